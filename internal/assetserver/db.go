package assetserver

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func (app *App) initDB(path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS
			raw
		(
			file TEXT NOT NULL,
			lastModified TEXT,
			fileType TEXT,
			content BLOB,

			CONSTRAINT file_fileType UNIQUE (file, filetype)
		)
	`)
	if err != nil {
		_ = db.Close()
		return err
	}

	app.db = db
	return nil
}

// getFileFromCache returns nil, nil when the export cache is disabled or
// holds no row for the pair.
func (app *App) getFileFromCache(fileToLookup string, fileTypeToLookup string) (*file, error) {
	if app.db == nil {
		return nil, nil
	}
	app.logger.Debug("getFileFromCache", "file", fileToLookup, "fileType", fileTypeToLookup)

	row := app.db.QueryRow(`
	SELECT
		file,
		lastModified,
		fileType,
		content
	FROM
		raw
	WHERE
		file = ? AND fileType = ?`, fileToLookup, fileTypeToLookup)

	file := file{}
	var lastModified string

	err := row.Scan(
		&file.file,
		&lastModified,
		&file.fileType,
		&file.content,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	file.lastModified, err = time.Parse(time.RFC1123Z, lastModified)
	if err != nil {
		return nil, err
	}

	return &file, nil
}

func (app *App) saveFileToCache(file *file) error {
	if app.db == nil {
		return nil
	}
	app.logger.Debug("saveFileToCache", "file", file.file, "fileType", file.fileType)

	lastModified := file.lastModified.Format(time.RFC1123Z)

	_, err := app.db.Exec(`
		INSERT OR REPLACE INTO
			raw
				(
					file, lastModified, fileType, content
				)
		VALUES
				(?, ?, ?, ?)
	`, file.file, lastModified, file.fileType, file.content)

	return err
}

func (app *App) deleteFilesOfType(fileType string) (int64, error) {
	if app.db == nil {
		return 0, nil
	}

	result, err := app.db.Exec(`DELETE FROM raw WHERE fileType = ?`, fileType)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (app *App) closeDB() error {
	if app.db == nil {
		return nil
	}
	return app.db.Close()
}
