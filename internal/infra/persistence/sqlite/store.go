// Package sqlite provides the primary MetadataStore backend on the pure Go
// sqlite driver. Every operation runs on a short-lived pooled connection;
// WAL journaling keeps readers concurrent with the single writer, and the
// busy timeout waits minutes rather than failing fast because writers are
// expected to be serialized through the persistence manager.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"imagevault/internal/sidecar"
	"imagevault/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS patients (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	patient_id TEXT NOT NULL,
	patient_name TEXT,
	UNIQUE(patient_id)
);

CREATE TABLE IF NOT EXISTS studies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	patient_id_fk INTEGER,
	study_instance_uid TEXT NOT NULL,
	study_date TEXT,
	FOREIGN KEY(patient_id_fk) REFERENCES patients(id),
	UNIQUE(study_instance_uid)
);

CREATE TABLE IF NOT EXISTS series (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	study_id_fk INTEGER,
	series_instance_uid TEXT NOT NULL,
	modality TEXT,
	series_number INTEGER,
	manufacturer TEXT,
	model_name TEXT,
	device_serial_number TEXT,
	FOREIGN KEY(study_id_fk) REFERENCES studies(id),
	UNIQUE(series_instance_uid)
);

CREATE TABLE IF NOT EXISTS instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	series_id_fk INTEGER,
	sop_instance_uid TEXT NOT NULL,
	sop_class_uid TEXT,
	instance_number INTEGER,
	file_path TEXT,
	pixel_offset INTEGER,
	pixel_length INTEGER,
	compress_alg TEXT,
	pixel_hash TEXT,
	attributes_json TEXT,
	FOREIGN KEY(series_id_fk) REFERENCES series(id),
	UNIQUE(sop_instance_uid)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT,
	action_type TEXT,
	entity_uid TEXT,
	details TEXT
);

CREATE TABLE IF NOT EXISTS findings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT,
	entity_uid TEXT,
	entity_type TEXT,
	field_name TEXT,
	value TEXT,
	reason TEXT,
	patient_id TEXT,
	remediation_action TEXT,
	remediation_value TEXT
);

CREATE INDEX IF NOT EXISTS idx_studies_patient_fk ON studies(patient_id_fk);
CREATE INDEX IF NOT EXISTS idx_series_study_fk ON series(study_id_fk);
CREATE INDEX IF NOT EXISTS idx_instances_series_fk ON instances(series_id_fk);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_uid);
CREATE INDEX IF NOT EXISTS idx_findings_entity ON findings(entity_uid);
`

// busyTimeout is deliberately minutes-scale: lock contention means another
// writer in this process is mid-transaction, and waiting is correct.
const busyTimeout = 15 * time.Minute

// Store persists the record graph plus the append-only audit and finding
// tables, delegating pixel payloads to the sidecar log.
type Store struct {
	db  *sql.DB
	log *sidecar.Log
}

var (
	_ domain.MetadataStore = (*Store)(nil)
	_ sidecar.Oracle       = (*Store)(nil)
)

// NewStore opens (and if needed creates) the database at path and applies
// the schema. The sidecar log receives every pixel payload written through
// SaveAll.
func NewStore(path string, log *sidecar.Log) (*Store, error) {
	if path == "" {
		path = "imagevault.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for integration test hooks.
func (s *Store) DB() *sql.DB { return s.db }

// SidecarLog returns the frame log this store writes through.
func (s *Store) SidecarLog() *sidecar.Log { return s.log }

type revision interface {
	ModCount() int64
	MarkSaved(int64)
}

type savedMark struct {
	rev revision
	mod int64
}

// SaveAll replaces the graph tables with the given patients in one
// transaction. Pixel buffers still pending a frame write go to the sidecar
// first; if the metadata commit then fails those frames are orphans for
// compaction to reclaim, never a correctness problem. Audit and finding
// tables are untouched.
func (s *Store) SaveAll(ctx context.Context, patients []*domain.Patient) (retErr error) {
	var writeErr error
	domain.WalkInstances(patients, func(_ *domain.Patient, _ *domain.Study, _ *domain.Series, inst *domain.Instance) {
		if writeErr != nil {
			return
		}
		buf, rev, pending := inst.PendingPixels()
		if !pending {
			return
		}
		ref, err := s.log.WriteFrame(buf, domain.CompressionZlib)
		if err != nil {
			writeErr = fmt.Errorf("write frame for %s: %w", inst.SOPInstanceUID, err)
			return
		}
		// A rejected ref means the buffer was replaced mid-write; the
		// replacement stays pending and the frame is an orphan for
		// compaction.
		inst.SetBlobRef(s.log, ref, rev)
	})
	if writeErr != nil {
		return writeErr
	}

	var marks []savedMark
	observe := func(rev revision) {
		marks = append(marks, savedMark{rev: rev, mod: rev.ModCount()})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"instances", "series", "studies", "patients"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			retErr = fmt.Errorf("clear %s: %w", table, err)
			return retErr
		}
	}

	for _, p := range patients {
		observe(p)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO patients (patient_id, patient_name) VALUES (?, ?)`,
			p.PatientID, p.PatientName)
		if err != nil {
			retErr = fmt.Errorf("insert patient %s: %w", p.PatientID, err)
			return retErr
		}
		pPK, err := res.LastInsertId()
		if err != nil {
			retErr = err
			return retErr
		}
		for _, st := range p.Studies {
			observe(st)
			res, err := tx.ExecContext(ctx,
				`INSERT INTO studies (patient_id_fk, study_instance_uid, study_date) VALUES (?, ?, ?)`,
				pPK, st.StudyInstanceUID, st.StudyDate)
			if err != nil {
				retErr = fmt.Errorf("insert study %s: %w", st.StudyInstanceUID, err)
				return retErr
			}
			stPK, err := res.LastInsertId()
			if err != nil {
				retErr = err
				return retErr
			}
			for _, se := range st.Series {
				observe(se)
				res, err := tx.ExecContext(ctx,
					`INSERT INTO series (study_id_fk, series_instance_uid, modality, series_number, manufacturer, model_name, device_serial_number)
					 VALUES (?, ?, ?, ?, ?, ?, ?)`,
					stPK, se.SeriesInstanceUID, se.Modality, se.SeriesNumber,
					se.Equipment.Manufacturer, se.Equipment.ModelName, se.Equipment.DeviceSerialNumber)
				if err != nil {
					retErr = fmt.Errorf("insert series %s: %w", se.SeriesInstanceUID, err)
					return retErr
				}
				sePK, err := res.LastInsertId()
				if err != nil {
					retErr = err
					return retErr
				}
				for _, inst := range se.Instances {
					observe(inst)
					if err := insertInstance(ctx, tx, sePK, inst); err != nil {
						retErr = err
						return retErr
					}
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	for _, m := range marks {
		m.rev.MarkSaved(m.mod)
	}
	return nil
}

func insertInstance(ctx context.Context, tx *sql.Tx, sePK int64, inst *domain.Instance) error {
	attrs, err := domain.MarshalItem(&inst.Item)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", inst.SOPInstanceUID, err)
	}
	var offset, length, alg, hash any
	if ref, ok := inst.BlobRef(); ok {
		offset, length = int64(ref.Offset), int64(ref.Length)
		alg, hash = string(ref.Compression), ref.ContentHash
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO instances (series_id_fk, sop_instance_uid, sop_class_uid, instance_number, file_path,
		                        pixel_offset, pixel_length, compress_alg, pixel_hash, attributes_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sePK, inst.SOPInstanceUID, inst.SOPClassUID, inst.InstanceNumber, inst.FilePath,
		offset, length, alg, hash, string(attrs))
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.SOPInstanceUID, err)
	}
	return nil
}

// UpdateAttributes rewrites only the attribute documents of the named
// instances. No truncation, no blob writes; this is the cheap path after a
// metadata-only remediation pass.
func (s *Store) UpdateAttributes(ctx context.Context, instances []*domain.Instance) (retErr error) {
	if len(instances) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `UPDATE instances SET attributes_json = ? WHERE sop_instance_uid = ?`)
	if err != nil {
		retErr = err
		return retErr
	}
	defer func() { _ = stmt.Close() }()

	var marks []savedMark
	for _, inst := range instances {
		attrs, err := domain.MarshalItem(&inst.Item)
		if err != nil {
			retErr = fmt.Errorf("serialize %s: %w", inst.SOPInstanceUID, err)
			return retErr
		}
		marks = append(marks, savedMark{rev: inst, mod: inst.ModCount()})
		if _, err := stmt.ExecContext(ctx, string(attrs), inst.SOPInstanceUID); err != nil {
			retErr = fmt.Errorf("update instance %s: %w", inst.SOPInstanceUID, err)
			return retErr
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	for _, m := range marks {
		m.rev.MarkSaved(m.mod)
	}
	return nil
}

// LoadAll reconstructs every patient graph. Instances with a stored frame
// reference get a lazy sidecar attachment; no frame bytes are read here.
func (s *Store) LoadAll(ctx context.Context) ([]*domain.Patient, error) {
	var patients []*domain.Patient
	pMap := map[int64]*domain.Patient{}

	rows, err := s.db.QueryContext(ctx, `SELECT id, patient_id, patient_name FROM patients`)
	if err != nil {
		return nil, fmt.Errorf("select patients: %w", err)
	}
	for rows.Next() {
		var pk int64
		var id, name string
		if err := rows.Scan(&pk, &id, &name); err != nil {
			_ = rows.Close()
			return nil, err
		}
		p := &domain.Patient{PatientID: id, PatientName: name}
		pMap[pk] = p
		patients = append(patients, p)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	stMap := map[int64]*domain.Study{}
	rows, err = s.db.QueryContext(ctx, `SELECT id, patient_id_fk, study_instance_uid, study_date FROM studies`)
	if err != nil {
		return nil, fmt.Errorf("select studies: %w", err)
	}
	for rows.Next() {
		var pk, parent int64
		var uid, date string
		if err := rows.Scan(&pk, &parent, &uid, &date); err != nil {
			_ = rows.Close()
			return nil, err
		}
		st := &domain.Study{StudyInstanceUID: uid, StudyDate: date}
		stMap[pk] = st
		if p, ok := pMap[parent]; ok {
			p.Studies = append(p.Studies, st)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	seMap := map[int64]*domain.Series{}
	rows, err = s.db.QueryContext(ctx,
		`SELECT id, study_id_fk, series_instance_uid, modality, series_number, manufacturer, model_name, device_serial_number FROM series`)
	if err != nil {
		return nil, fmt.Errorf("select series: %w", err)
	}
	for rows.Next() {
		se, pk, parent, err := scanSeries(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		seMap[pk] = se
		if st, ok := stMap[parent]; ok {
			st.Series = append(st.Series, se)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT `+instanceColumns+`, series_id_fk FROM instances`)
	if err != nil {
		return nil, fmt.Errorf("select instances: %w", err)
	}
	for rows.Next() {
		inst, parent, err := s.scanInstance(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		if se, ok := seMap[parent]; ok {
			se.Instances = append(se.Instances, inst)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	domain.MarkGraphClean(patients)
	return patients, nil
}

// LoadPatient reconstructs one patient graph by patient UID.
func (s *Store) LoadPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, patient_id, patient_name FROM patients WHERE patient_id = ?`, patientID)
	var pPK int64
	p := &domain.Patient{}
	if err := row.Scan(&pPK, &p.PatientID, &p.PatientName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound{Entity: "patient", UID: patientID}
		}
		return nil, fmt.Errorf("select patient: %w", err)
	}

	stRows, err := s.db.QueryContext(ctx,
		`SELECT id, patient_id_fk, study_instance_uid, study_date FROM studies WHERE patient_id_fk = ?`, pPK)
	if err != nil {
		return nil, fmt.Errorf("select studies: %w", err)
	}
	type studyRow struct {
		pk int64
		st *domain.Study
	}
	var studies []studyRow
	for stRows.Next() {
		var pk, parent int64
		var uid, date string
		if err := stRows.Scan(&pk, &parent, &uid, &date); err != nil {
			_ = stRows.Close()
			return nil, err
		}
		st := &domain.Study{StudyInstanceUID: uid, StudyDate: date}
		studies = append(studies, studyRow{pk: pk, st: st})
		p.Studies = append(p.Studies, st)
	}
	if err := closeRows(stRows); err != nil {
		return nil, err
	}

	for _, sr := range studies {
		seRows, err := s.db.QueryContext(ctx,
			`SELECT id, study_id_fk, series_instance_uid, modality, series_number, manufacturer, model_name, device_serial_number
			 FROM series WHERE study_id_fk = ?`, sr.pk)
		if err != nil {
			return nil, fmt.Errorf("select series: %w", err)
		}
		type seriesRow struct {
			pk int64
			se *domain.Series
		}
		var series []seriesRow
		for seRows.Next() {
			se, pk, _, err := scanSeries(seRows)
			if err != nil {
				_ = seRows.Close()
				return nil, err
			}
			series = append(series, seriesRow{pk: pk, se: se})
			sr.st.Series = append(sr.st.Series, se)
		}
		if err := closeRows(seRows); err != nil {
			return nil, err
		}

		for _, ser := range series {
			iRows, err := s.db.QueryContext(ctx,
				`SELECT `+instanceColumns+`, series_id_fk FROM instances WHERE series_id_fk = ?`, ser.pk)
			if err != nil {
				return nil, fmt.Errorf("select instances: %w", err)
			}
			for iRows.Next() {
				inst, _, err := s.scanInstance(iRows)
				if err != nil {
					_ = iRows.Close()
					return nil, err
				}
				ser.se.Instances = append(ser.se.Instances, inst)
			}
			if err := closeRows(iRows); err != nil {
				return nil, err
			}
		}
	}

	domain.MarkGraphClean([]*domain.Patient{p})
	return p, nil
}

const instanceColumns = `sop_instance_uid, sop_class_uid, instance_number, file_path,
	pixel_offset, pixel_length, compress_alg, pixel_hash, attributes_json`

func scanSeries(rows *sql.Rows) (*domain.Series, int64, int64, error) {
	var pk, parent int64
	var uid, modality string
	var number int
	var man, model, serial sql.NullString
	if err := rows.Scan(&pk, &parent, &uid, &modality, &number, &man, &model, &serial); err != nil {
		return nil, 0, 0, err
	}
	se := &domain.Series{SeriesInstanceUID: uid, Modality: modality, SeriesNumber: number}
	se.Equipment = domain.Equipment{
		Manufacturer:       man.String,
		ModelName:          model.String,
		DeviceSerialNumber: serial.String,
	}
	return se, pk, parent, nil
}

func (s *Store) scanInstance(rows *sql.Rows) (*domain.Instance, int64, error) {
	var uid string
	var classUID, filePath, alg, hash, attrs sql.NullString
	var number, offset, length sql.NullInt64
	var parent int64
	if err := rows.Scan(&uid, &classUID, &number, &filePath, &offset, &length, &alg, &hash, &attrs, &parent); err != nil {
		return nil, 0, err
	}
	inst := &domain.Instance{
		Item:           domain.Item{Attributes: domain.Attributes{}},
		SOPInstanceUID: uid,
		SOPClassUID:    classUID.String,
		InstanceNumber: int(number.Int64),
		FilePath:       filePath.String,
	}
	if attrs.Valid && attrs.String != "" {
		if err := domain.UnmarshalItem([]byte(attrs.String), &inst.Item); err != nil {
			return nil, 0, fmt.Errorf("instance %s: %w", uid, err)
		}
	}
	if offset.Valid && length.Valid {
		inst.AttachFrames(s.log, domain.BlobRef{
			Offset:      uint64(offset.Int64),
			Length:      uint64(length.Int64),
			Compression: domain.Compression(alg.String),
			ContentHash: hash.String,
		})
	}
	return inst, parent, nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

// LogAuditBatch appends audit entries. Entries with a zero timestamp get the
// current time.
func (s *Store) LogAuditBatch(ctx context.Context, entries []domain.AuditEntry) (retErr error) {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_log (timestamp, action_type, entity_uid, details) VALUES (?, ?, ?, ?)`)
	if err != nil {
		retErr = err
		return retErr
	}
	defer func() { _ = stmt.Close() }()
	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, ts.Format(time.RFC3339Nano), e.Action, e.EntityUID, e.Details); err != nil {
			retErr = fmt.Errorf("insert audit entry: %w", err)
			return retErr
		}
	}
	return tx.Commit()
}

// LoadAudit returns audit entries for one entity, or all entries when
// entityUID is empty, in append order.
func (s *Store) LoadAudit(ctx context.Context, entityUID string) ([]domain.AuditEntry, error) {
	query := `SELECT timestamp, action_type, entity_uid, details FROM audit_log`
	var args []any
	if entityUID != "" {
		query += ` WHERE entity_uid = ?`
		args = append(args, entityUID)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select audit: %w", err)
	}
	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var ts string
		if err := rows.Scan(&ts, &e.Action, &e.EntityUID, &e.Details); err != nil {
			_ = rows.Close()
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	return entries, closeRows(rows)
}

// SaveFindings appends scan findings.
func (s *Store) SaveFindings(ctx context.Context, findings []domain.Finding) (retErr error) {
	if len(findings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin findings: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO findings (timestamp, entity_uid, entity_type, field_name, value, reason, patient_id, remediation_action, remediation_value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		retErr = err
		return retErr
	}
	defer func() { _ = stmt.Close() }()
	for _, f := range findings {
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		var remAction, remValue any
		if f.Remediation != nil {
			remAction, remValue = f.Remediation.Action, f.Remediation.NewValue
		}
		if _, err := stmt.ExecContext(ctx, ts.Format(time.RFC3339Nano),
			f.EntityUID, f.EntityType, f.Field, f.Value, f.Reason, f.PatientID, remAction, remValue); err != nil {
			retErr = fmt.Errorf("insert finding: %w", err)
			return retErr
		}
	}
	return tx.Commit()
}

// LoadFindings returns all findings in append order.
func (s *Store) LoadFindings(ctx context.Context) ([]domain.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, entity_uid, entity_type, field_name, value, reason, patient_id, remediation_action, remediation_value
		 FROM findings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select findings: %w", err)
	}
	var findings []domain.Finding
	for rows.Next() {
		var f domain.Finding
		var ts string
		var remAction, remValue sql.NullString
		if err := rows.Scan(&ts, &f.EntityUID, &f.EntityType, &f.Field, &f.Value, &f.Reason, &f.PatientID, &remAction, &remValue); err != nil {
			_ = rows.Close()
			return nil, err
		}
		f.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if remAction.Valid {
			f.Remediation = &domain.Remediation{Action: remAction.String, Field: f.Field, NewValue: remValue.String}
		}
		findings = append(findings, f)
	}
	return findings, closeRows(rows)
}

// CountInstances returns the number of persisted instance rows.
func (s *Store) CountInstances(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

// FlattenedInstances joins the graph tables into one row per instance,
// optionally filtered by patient or instance UIDs. Useful for streaming
// exports without hydrating the whole graph.
func (s *Store) FlattenedInstances(ctx context.Context, filter domain.InstanceFilter) ([]domain.FlatInstance, error) {
	query := `
		SELECT p.patient_id, p.patient_name,
		       st.study_instance_uid, st.study_date,
		       se.series_instance_uid, se.modality,
		       i.sop_instance_uid, i.sop_class_uid, i.instance_number, i.file_path,
		       i.pixel_offset, i.pixel_length, i.compress_alg, i.pixel_hash, i.attributes_json
		FROM instances i
		JOIN series se ON i.series_id_fk = se.id
		JOIN studies st ON se.study_id_fk = st.id
		JOIN patients p ON st.patient_id_fk = p.id`

	var conds []string
	var args []any
	if len(filter.PatientIDs) > 0 {
		conds = append(conds, "p.patient_id IN ("+placeholders(len(filter.PatientIDs))+")")
		for _, id := range filter.PatientIDs {
			args = append(args, id)
		}
	}
	if len(filter.InstanceUIDs) > 0 {
		conds = append(conds, "i.sop_instance_uid IN ("+placeholders(len(filter.InstanceUIDs))+")")
		for _, uid := range filter.InstanceUIDs {
			args = append(args, uid)
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select flattened instances: %w", err)
	}
	var out []domain.FlatInstance
	for rows.Next() {
		var fi domain.FlatInstance
		var classUID, filePath, alg, hash, attrs sql.NullString
		var number, offset, length sql.NullInt64
		if err := rows.Scan(&fi.PatientID, &fi.PatientName,
			&fi.StudyInstanceUID, &fi.StudyDate,
			&fi.SeriesInstanceUID, &fi.Modality,
			&fi.SOPInstanceUID, &classUID, &number, &filePath,
			&offset, &length, &alg, &hash, &attrs); err != nil {
			_ = rows.Close()
			return nil, err
		}
		fi.SOPClassUID = classUID.String
		fi.InstanceNumber = int(number.Int64)
		fi.FilePath = filePath.String
		if attrs.Valid {
			fi.AttributesJSON = []byte(attrs.String)
		}
		if offset.Valid && length.Valid {
			fi.BlobRef = &domain.BlobRef{
				Offset:      uint64(offset.Int64),
				Length:      uint64(length.Int64),
				Compression: domain.Compression(alg.String),
				ContentHash: hash.String,
			}
		}
		out = append(out, fi)
	}
	return out, closeRows(rows)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// LiveBlobRefs enumerates every stored sidecar reference keyed by instance
// UID. This is the compaction liveness set.
func (s *Store) LiveBlobRefs(ctx context.Context) (map[string]domain.BlobRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sop_instance_uid, pixel_offset, pixel_length, compress_alg, pixel_hash
		 FROM instances WHERE pixel_offset IS NOT NULL AND pixel_length IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("select live refs: %w", err)
	}
	refs := map[string]domain.BlobRef{}
	for rows.Next() {
		var uid string
		var offset, length int64
		var alg, hash sql.NullString
		if err := rows.Scan(&uid, &offset, &length, &alg, &hash); err != nil {
			_ = rows.Close()
			return nil, err
		}
		refs[uid] = domain.BlobRef{
			Offset:      uint64(offset),
			Length:      uint64(length),
			Compression: domain.Compression(alg.String),
			ContentHash: hash.String,
		}
	}
	return refs, closeRows(rows)
}

// UpdateBlobRefs rewrites stored sidecar references after compaction
// relocates frames.
func (s *Store) UpdateBlobRefs(ctx context.Context, refs map[string]domain.BlobRef) (retErr error) {
	if len(refs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin relocate: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx,
		`UPDATE instances SET pixel_offset = ?, pixel_length = ? WHERE sop_instance_uid = ?`)
	if err != nil {
		retErr = err
		return retErr
	}
	defer func() { _ = stmt.Close() }()
	for uid, ref := range refs {
		if _, err := stmt.ExecContext(ctx, int64(ref.Offset), int64(ref.Length), uid); err != nil {
			retErr = fmt.Errorf("relocate instance %s: %w", uid, err)
			return retErr
		}
	}
	return tx.Commit()
}
