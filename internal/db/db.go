package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open connects to the SQLite database and runs schema migrations.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_foreign_keys=1", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if err := migrate(conn); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return conn, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS chapters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			book_source TEXT NOT NULL,
			number INTEGER NOT NULL,
			title TEXT NOT NULL,
			raw_text TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			key_points TEXT NOT NULL DEFAULT '[]',
			high_yield TEXT NOT NULL DEFAULT '[]',
			mnemonics TEXT NOT NULL DEFAULT '[]',
			memory_palace TEXT NOT NULL DEFAULT '',
			study_guide TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(book_source, number)
		);`,
		`CREATE TABLE IF NOT EXISTS questions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chapter_id INTEGER NOT NULL,
			question_text TEXT NOT NULL,
			options TEXT NOT NULL DEFAULT '[]',
			correct_answer INTEGER NOT NULL DEFAULT 0,
			explanation TEXT NOT NULL DEFAULT '',
			difficulty TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY(chapter_id) REFERENCES chapters(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS question_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			question_id INTEGER NOT NULL,
			selected INTEGER NOT NULL,
			correct INTEGER NOT NULL DEFAULT 0,
			attempted_at DATETIME NOT NULL,
			FOREIGN KEY(question_id) REFERENCES questions(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS flashcards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chapter_id INTEGER NOT NULL,
			front TEXT NOT NULL,
			back TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			image_ref TEXT,
			due DATETIME,
			stability REAL NOT NULL DEFAULT 0,
			difficulty REAL NOT NULL DEFAULT 0,
			elapsed_days INTEGER NOT NULL DEFAULT 0,
			scheduled_days INTEGER NOT NULL DEFAULT 0,
			reps INTEGER NOT NULL DEFAULT 0,
			lapses INTEGER NOT NULL DEFAULT 0,
			state INTEGER NOT NULL DEFAULT 0,
			last_review DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY(chapter_id) REFERENCES chapters(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chapters_book ON chapters(book_source, number);`,
		`CREATE INDEX IF NOT EXISTS idx_questions_chapter ON questions(chapter_id);`,
		`CREATE INDEX IF NOT EXISTS idx_flashcards_chapter ON flashcards(chapter_id);`,
		`CREATE INDEX IF NOT EXISTS idx_flashcards_due ON flashcards(due);`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_question ON question_attempts(question_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("execute %q: %w", stmt, err)
		}
	}
	return nil
}
