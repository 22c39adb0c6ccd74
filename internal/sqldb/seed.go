package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

var hrTables = []string{
	`CREATE TABLE IF NOT EXISTS employees (
		employee_id INTEGER PRIMARY KEY AUTOINCREMENT,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		department TEXT NOT NULL,
		position TEXT NOT NULL,
		hire_date DATE NOT NULL,
		salary REAL NOT NULL,
		manager_id INTEGER,
		status TEXT DEFAULT 'Active',
		FOREIGN KEY (manager_id) REFERENCES employees(employee_id)
	)`,
	`CREATE TABLE IF NOT EXISTS departments (
		department_id INTEGER PRIMARY KEY AUTOINCREMENT,
		department_name TEXT UNIQUE NOT NULL,
		head_employee_id INTEGER,
		budget REAL,
		location TEXT,
		FOREIGN KEY (head_employee_id) REFERENCES employees(employee_id)
	)`,
	`CREATE TABLE IF NOT EXISTS leave_records (
		leave_id INTEGER PRIMARY KEY AUTOINCREMENT,
		employee_id INTEGER NOT NULL,
		leave_type TEXT NOT NULL,
		start_date DATE NOT NULL,
		end_date DATE NOT NULL,
		days_count INTEGER NOT NULL,
		status TEXT DEFAULT 'Pending',
		reason TEXT,
		approved_by INTEGER,
		FOREIGN KEY (employee_id) REFERENCES employees(employee_id),
		FOREIGN KEY (approved_by) REFERENCES employees(employee_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attendance (
		attendance_id INTEGER PRIMARY KEY AUTOINCREMENT,
		employee_id INTEGER NOT NULL,
		date DATE NOT NULL,
		hours_worked REAL,
		status TEXT DEFAULT 'Present',
		FOREIGN KEY (employee_id) REFERENCES employees(employee_id),
		UNIQUE (employee_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS performance_reviews (
		review_id INTEGER PRIMARY KEY AUTOINCREMENT,
		employee_id INTEGER NOT NULL,
		review_date DATE NOT NULL,
		reviewer_id INTEGER NOT NULL,
		rating INTEGER CHECK (rating >= 1 AND rating <= 5),
		comments TEXT,
		FOREIGN KEY (employee_id) REFERENCES employees(employee_id),
		FOREIGN KEY (reviewer_id) REFERENCES employees(employee_id)
	)`,
}

type seedEmployee struct {
	first, last, dept, position, hired string
	salary                             float64
	manager                            int
}

// Managers come first so manager_id references resolve to earlier rows.
var seedEmployees = []seedEmployee{
	{"Priya", "Raman", "Engineering", "Engineering Manager", "2018-03-12", 165000, 0},
	{"Marcus", "Hill", "Sales", "Sales Director", "2017-07-01", 150000, 0},
	{"Elena", "Costa", "Human Resources", "HR Manager", "2019-01-15", 120000, 0},
	{"Tom", "Becker", "Finance", "Finance Lead", "2016-11-20", 140000, 0},
	{"Aiko", "Tanaka", "Marketing", "Marketing Lead", "2020-05-04", 125000, 0},
	{"Daniel", "Okafor", "Engineering", "Senior Engineer", "2019-09-09", 145000, 1},
	{"Sofia", "Lindqvist", "Engineering", "Software Engineer", "2021-02-22", 118000, 1},
	{"Ravi", "Patel", "Engineering", "Software Engineer", "2022-06-13", 112000, 1},
	{"Grace", "Kim", "Engineering", "QA Engineer", "2023-01-09", 98000, 1},
	{"Lucas", "Moreau", "Sales", "Account Executive", "2020-10-19", 90000, 2},
	{"Hannah", "Weiss", "Sales", "Account Executive", "2021-08-30", 88000, 2},
	{"Omar", "Haddad", "Sales", "Sales Associate", "2023-04-17", 65000, 2},
	{"Nina", "Petrova", "Human Resources", "Recruiter", "2022-03-07", 78000, 3},
	{"Jonas", "Berg", "Human Resources", "HR Generalist", "2023-09-25", 72000, 3},
	{"Chloe", "Martin", "Finance", "Accountant", "2021-12-01", 95000, 4},
	{"Ben", "Adeyemi", "Marketing", "Content Strategist", "2022-11-14", 82000, 5},
}

var seedDepartments = []struct {
	name     string
	head     int
	budget   float64
	location string
}{
	{"Engineering", 1, 2500000, "Berlin"},
	{"Sales", 2, 1200000, "London"},
	{"Human Resources", 3, 450000, "Berlin"},
	{"Finance", 4, 600000, "Zurich"},
	{"Marketing", 5, 800000, "London"},
}

var leaveTypes = []string{"Sick Leave", "Annual Leave", "Personal Leave", "Parental Leave"}

// SeedHR creates the sample HR schema and fills it with deterministic data.
// Existing rows are left alone; seeding an already seeded database is a no-op.
func SeedHR(ctx context.Context, db *sql.DB) error {
	for _, stmt := range hrTables {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating sample table: %w", err)
		}
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM employees`).Scan(&n); err != nil {
		return fmt.Errorf("counting employees: %w", err)
	}
	if n > 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, e := range seedEmployees {
		var manager any
		if e.manager > 0 {
			manager = e.manager
		}
		email := fmt.Sprintf("%s.%s@example.com", strings.ToLower(e.first), strings.ToLower(e.last))
		if _, err := tx.ExecContext(ctx, `INSERT INTO employees
			(employee_id, first_name, last_name, email, department, position, hire_date, salary, manager_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			i+1, e.first, e.last, email, e.dept, e.position, e.hired, e.salary, manager); err != nil {
			return fmt.Errorf("inserting employee: %w", err)
		}
	}

	for _, d := range seedDepartments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO departments (department_name, head_employee_id, budget, location)
			VALUES (?, ?, ?, ?)`, d.name, d.head, d.budget, d.location); err != nil {
			return fmt.Errorf("inserting department: %w", err)
		}
	}

	base := time.Date(2025, time.January, 6, 0, 0, 0, 0, time.UTC)
	for i := range seedEmployees {
		emp := i + 1
		for j := 0; j < 2+i%3; j++ {
			start := base.AddDate(0, 0, (i*17+j*41)%330)
			days := 1 + (i+j)%5
			status := "Approved"
			if (i+j)%7 == 0 {
				status = "Pending"
			}
			approver := seedEmployees[i].manager
			if approver == 0 {
				approver = 3
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO leave_records
				(employee_id, leave_type, start_date, end_date, days_count, status, reason, approved_by)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				emp, leaveTypes[(i+j)%len(leaveTypes)], start.Format("2006-01-02"),
				start.AddDate(0, 0, days-1).Format("2006-01-02"), days, status, "", approver); err != nil {
				return fmt.Errorf("inserting leave record: %w", err)
			}
		}

		for d := 0; d < 10; d++ {
			day := base.AddDate(0, 2, d)
			status, hours := "Present", 8.0+float64((i+d)%3)*0.5
			if (i+d)%9 == 0 {
				status, hours = "Absent", 0
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO attendance (employee_id, date, hours_worked, status)
				VALUES (?, ?, ?, ?)`, emp, day.Format("2006-01-02"), hours, status); err != nil {
				return fmt.Errorf("inserting attendance: %w", err)
			}
		}

		if reviewer := seedEmployees[i].manager; reviewer > 0 {
			if _, err := tx.ExecContext(ctx, `INSERT INTO performance_reviews (employee_id, review_date, reviewer_id, rating, comments)
				VALUES (?, ?, ?, ?, ?)`, emp, base.AddDate(0, 5, i).Format("2006-01-02"), reviewer, 3+i%3,
				"Solid contribution this cycle."); err != nil {
				return fmt.Errorf("inserting review: %w", err)
			}
		}
	}

	return tx.Commit()
}
