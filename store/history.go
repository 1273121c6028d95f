package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chzchzchz/skyrx/skyrx"
)

const (
	sqliteCreateTable = `CREATE TABLE IF NOT EXISTS captures (
		"ID"           INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		"Target"       TEXT NOT NULL,
		"Kind"         TEXT NOT NULL,
		"Frequency"    INTEGER,
		"AOS"          INTEGER,
		"LOS"          INTEGER,
		"MaxElevation" REAL,
		"Start"        INTEGER,
		"End"          INTEGER,
		"Success"      INTEGER,
		"Error"        TEXT,
		"SessionID"    TEXT,
		"ArtifactPath" TEXT,
		"Outputs"      TEXT,
		"PeakPower"    REAL
	);`
	mysqlCreateTable = "CREATE TABLE IF NOT EXISTS captures (" +
		"ID BIGINT NOT NULL PRIMARY KEY AUTO_INCREMENT," +
		"Target VARCHAR(255) NOT NULL," +
		"Kind VARCHAR(32) NOT NULL," +
		"Frequency BIGINT," +
		"AOS BIGINT," +
		"LOS BIGINT," +
		"MaxElevation DOUBLE," +
		"Start BIGINT," +
		"`End` BIGINT," +
		"Success TINYINT," +
		"Error TEXT," +
		"SessionID VARCHAR(64)," +
		"ArtifactPath TEXT," +
		"Outputs TEXT," +
		"PeakPower DOUBLE" +
		");"
	insertCapture = "INSERT INTO captures (" +
		"Target, Kind, Frequency, AOS, LOS, MaxElevation, Start, `End`, Success, Error, SessionID, ArtifactPath, Outputs, PeakPower" +
		") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);"
	selectRecent = "SELECT " +
		"ID, Target, Kind, Frequency, AOS, LOS, MaxElevation, Start, `End`, Success, Error, SessionID, ArtifactPath, Outputs, PeakPower" +
		" FROM captures ORDER BY ID DESC LIMIT ?;"
)

// Record is one saved capture.
type Record struct {
	ID     int64               `json:"id"`
	Pass   skyrx.PassWindow    `json:"pass"`
	Result skyrx.CaptureResult `json:"result"`
}

// History keeps capture results in SQLite or MySQL.
type History struct {
	db     *sql.DB
	driver string
}

func OpenSQLite(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite DB %q: %w", path, err)
	}
	return newHistory(db, "sqlite3", sqliteCreateTable)
}

type MySQLConfig struct {
	User         string `toml:"user"`
	PasswordFile string `toml:"password_file"`
	Server       string `toml:"server"`
	DBName       string `toml:"db_name"`
}

func OpenMySQL(mc MySQLConfig) (*History, error) {
	pass, err := os.ReadFile(mc.PasswordFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read MySQL password file %q: %w", mc.PasswordFile, err)
	}
	cfg := mysql.NewConfig()
	cfg.User, cfg.Passwd = mc.User, strings.TrimSpace(string(pass))
	cfg.Net, cfg.Addr, cfg.DBName = "tcp", mc.Server, mc.DBName
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to open MySQL DB %q: %w", mc.Server, err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return newHistory(db, "mysql", mysqlCreateTable)
}

func newHistory(db *sql.DB, driver, schema string) (*History, error) {
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to create table: %w", err)
	}
	return &History{db: db, driver: driver}, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Save stores res for pass and returns the new record id.
func (h *History) Save(ctx context.Context, res skyrx.CaptureResult, pass skyrx.PassWindow) (int64, error) {
	outs, err := json.Marshal(res.Outputs)
	if err != nil {
		return 0, err
	}
	success := 0
	if res.Success {
		success = 1
	}
	r, err := h.db.ExecContext(ctx, insertCapture,
		pass.Target, string(pass.Kind), res.Frequency,
		millis(pass.AOS), millis(pass.LOS), pass.MaxElevation,
		millis(res.Start), millis(res.End), success, res.Err,
		res.SessionID, res.ArtifactPath, string(outs), res.PeakPower)
	if err != nil {
		return 0, fmt.Errorf("storing capture in %s: %w", h.driver, err)
	}
	id, err := r.LastInsertId()
	if err != nil {
		return 0, err
	}
	glog.V(1).Infof("stored capture %d (%s, success=%v)", id, pass.Target, res.Success)
	return id, nil
}

// Recent returns up to n records, newest first.
func (h *History) Recent(ctx context.Context, n int) ([]Record, error) {
	rows, err := h.db.QueryContext(ctx, selectRecent, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []Record
	for rows.Next() {
		var (
			rec                      Record
			kind, outs               string
			aos, los, start, end     int64
			success                  int
			errStr, sessID, artifact sql.NullString
			maxEl, peak              sql.NullFloat64
		)
		p, res := &rec.Pass, &rec.Result
		if err := rows.Scan(&rec.ID, &p.Target, &kind, &p.Frequency, &aos, &los, &maxEl,
			&start, &end, &success, &errStr, &sessID, &artifact, &outs, &peak); err != nil {
			return nil, err
		}
		p.Kind, p.AOS, p.LOS, p.MaxElevation = skyrx.Kind(kind), fromMillis(aos), fromMillis(los), maxEl.Float64
		res.Pass, res.Frequency = *p, p.Frequency
		res.Start, res.End, res.Success = fromMillis(start), fromMillis(end), success != 0
		res.Err, res.SessionID, res.ArtifactPath, res.PeakPower = errStr.String, sessID.String, artifact.String, peak.Float64
		if outs != "" {
			if err := json.Unmarshal([]byte(outs), &res.Outputs); err != nil {
				glog.Warningf("capture %d: bad outputs %q: %v", rec.ID, outs, err)
			}
		}
		ret = append(ret, rec)
	}
	return ret, rows.Err()
}

func (h *History) Close() error { return h.db.Close() }
