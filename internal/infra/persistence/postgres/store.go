// Package postgres provides a Postgres-backed MetadataStore mirroring the
// sqlite schema and semantics, for deployments that already run a server.
// The sidecar log stays a local file either way.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"imagevault/internal/sidecar"
	"imagevault/pkg/domain"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/imagevault?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const schema = `
CREATE TABLE IF NOT EXISTS patients (
	id BIGSERIAL PRIMARY KEY,
	patient_id TEXT NOT NULL UNIQUE,
	patient_name TEXT
);

CREATE TABLE IF NOT EXISTS studies (
	id BIGSERIAL PRIMARY KEY,
	patient_id_fk BIGINT REFERENCES patients(id),
	study_instance_uid TEXT NOT NULL UNIQUE,
	study_date TEXT
);

CREATE TABLE IF NOT EXISTS series (
	id BIGSERIAL PRIMARY KEY,
	study_id_fk BIGINT REFERENCES studies(id),
	series_instance_uid TEXT NOT NULL UNIQUE,
	modality TEXT,
	series_number INTEGER,
	manufacturer TEXT,
	model_name TEXT,
	device_serial_number TEXT
);

CREATE TABLE IF NOT EXISTS instances (
	id BIGSERIAL PRIMARY KEY,
	series_id_fk BIGINT REFERENCES series(id),
	sop_instance_uid TEXT NOT NULL UNIQUE,
	sop_class_uid TEXT,
	instance_number INTEGER,
	file_path TEXT,
	pixel_offset BIGINT,
	pixel_length BIGINT,
	compress_alg TEXT,
	pixel_hash TEXT,
	attributes_json TEXT
);

CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	timestamp TEXT,
	action_type TEXT,
	entity_uid TEXT,
	details TEXT
);

CREATE TABLE IF NOT EXISTS findings (
	id BIGSERIAL PRIMARY KEY,
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

// Store persists the record graph to Postgres with the same table layout as
// the sqlite backend. Writers are still expected to be serialized through
// the persistence manager.
type Store struct {
	db  *sql.DB
	log *sidecar.Log
}

var (
	_ domain.MetadataStore = (*Store)(nil)
	_ sidecar.Oracle       = (*Store)(nil)
)

// NewStore connects using dsn (falls back to a local default), applies the
// schema, and wires the sidecar log for pixel writes.
func NewStore(dsn string, log *sidecar.Log) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

type revision interface {
	ModCount() int64
	MarkSaved(int64)
}

type savedMark struct {
	rev revision
	mod int64
}

// SaveAll mirrors the sqlite backend: pending pixel buffers are written to
// the sidecar first, then the graph tables are replaced in one transaction.
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
		var pPK int64
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO patients (patient_id, patient_name) VALUES ($1, $2) RETURNING id`,
			p.PatientID, p.PatientName).Scan(&pPK); err != nil {
			retErr = fmt.Errorf("insert patient %s: %w", p.PatientID, err)
			return retErr
		}
		for _, st := range p.Studies {
			observe(st)
			var stPK int64
			if err := tx.QueryRowContext(ctx,
				`INSERT INTO studies (patient_id_fk, study_instance_uid, study_date) VALUES ($1, $2, $3) RETURNING id`,
				pPK, st.StudyInstanceUID, st.StudyDate).Scan(&stPK); err != nil {
				retErr = fmt.Errorf("insert study %s: %w", st.StudyInstanceUID, err)
				return retErr
			}
			for _, se := range st.Series {
				observe(se)
				var sePK int64
				if err := tx.QueryRowContext(ctx,
					`INSERT INTO series (study_id_fk, series_instance_uid, modality, series_number, manufacturer, model_name, device_serial_number)
					 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
					stPK, se.SeriesInstanceUID, se.Modality, se.SeriesNumber,
					se.Equipment.Manufacturer, se.Equipment.ModelName, se.Equipment.DeviceSerialNumber).Scan(&sePK); err != nil {
					retErr = fmt.Errorf("insert series %s: %w", se.SeriesInstanceUID, err)
					return retErr
				}
				for _, inst := range se.Instances {
					observe(inst)
					attrs, err := domain.MarshalItem(&inst.Item)
					if err != nil {
						retErr = fmt.Errorf("serialize %s: %w", inst.SOPInstanceUID, err)
						return retErr
					}
					var offset, length, alg, hash any
					if ref, ok := inst.BlobRef(); ok {
						offset, length = int64(ref.Offset), int64(ref.Length)
						alg, hash = string(ref.Compression), ref.ContentHash
					}
					if _, err := tx.ExecContext(ctx,
						`INSERT INTO instances (series_id_fk, sop_instance_uid, sop_class_uid, instance_number, file_path,
						                        pixel_offset, pixel_length, compress_alg, pixel_hash, attributes_json)
						 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
						sePK, inst.SOPInstanceUID, inst.SOPClassUID, inst.InstanceNumber, inst.FilePath,
						offset, length, alg, hash, string(attrs)); err != nil {
						retErr = fmt.Errorf("insert instance %s: %w", inst.SOPInstanceUID, err)
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

// UpdateAttributes rewrites only attribute documents, mirroring the sqlite
// backend.
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
	var marks []savedMark
	for _, inst := range instances {
		attrs, err := domain.MarshalItem(&inst.Item)
		if err != nil {
			retErr = fmt.Errorf("serialize %s: %w", inst.SOPInstanceUID, err)
			return retErr
		}
		marks = append(marks, savedMark{rev: inst, mod: inst.ModCount()})
		if _, err := tx.ExecContext(ctx,
			`UPDATE instances SET attributes_json = $1 WHERE sop_instance_uid = $2`,
			string(attrs), inst.SOPInstanceUID); err != nil {
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

// LoadAll reconstructs every patient graph with lazy sidecar attachments.
func (s *Store) LoadAll(ctx context.Context) ([]*domain.Patient, error) {
	var patients []*domain.Patient
	pMap := map[int64]*domain.Patient{}

	rows, err := s.db.QueryContext(ctx, `SELECT id, patient_id, patient_name FROM patients`)
	if err != nil {
		return nil, fmt.Errorf("select patients: %w", err)
	}
	for rows.Next() {
		var pk int64
		var id string
		var name sql.NullString
		if err := rows.Scan(&pk, &id, &name); err != nil {
			_ = rows.Close()
			return nil, err
		}
		p := &domain.Patient{PatientID: id, PatientName: name.String}
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
		var uid string
		var date sql.NullString
		if err := rows.Scan(&pk, &parent, &uid, &date); err != nil {
			_ = rows.Close()
			return nil, err
		}
		st := &domain.Study{StudyInstanceUID: uid, StudyDate: date.String}
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
		var pk, parent int64
		var uid string
		var modality, man, model, serial sql.NullString
		var number sql.NullInt64
		if err := rows.Scan(&pk, &parent, &uid, &modality, &number, &man, &model, &serial); err != nil {
			_ = rows.Close()
			return nil, err
		}
		se := &domain.Series{SeriesInstanceUID: uid, Modality: modality.String, SeriesNumber: int(number.Int64)}
		se.Equipment = domain.Equipment{Manufacturer: man.String, ModelName: model.String, DeviceSerialNumber: serial.String}
		seMap[pk] = se
		if st, ok := stMap[parent]; ok {
			st.Series = append(st.Series, se)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT sop_instance_uid, sop_class_uid, instance_number, file_path,
		        pixel_offset, pixel_length, compress_alg, pixel_hash, attributes_json, series_id_fk
		 FROM instances`)
	if err != nil {
		return nil, fmt.Errorf("select instances: %w", err)
	}
	for rows.Next() {
		var uid string
		var classUID, filePath, alg, hash, attrs sql.NullString
		var number, offset, length sql.NullInt64
		var parent int64
		if err := rows.Scan(&uid, &classUID, &number, &filePath, &offset, &length, &alg, &hash, &attrs, &parent); err != nil {
			_ = rows.Close()
			return nil, err
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
				_ = rows.Close()
				return nil, fmt.Errorf("instance %s: %w", uid, err)
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

// LoadPatient loads one graph by filtering LoadAll output; patient counts
// are small enough on the deployments that choose this backend.
func (s *Store) LoadPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	patients, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range patients {
		if p.PatientID == patientID {
			return p, nil
		}
	}
	return nil, domain.ErrNotFound{Entity: "patient", UID: patientID}
}

// LogAuditBatch appends audit entries.
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
	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_log (timestamp, action_type, entity_uid, details) VALUES ($1, $2, $3, $4)`,
			ts.Format(time.RFC3339Nano), e.Action, e.EntityUID, e.Details); err != nil {
			retErr = fmt.Errorf("insert audit entry: %w", err)
			return retErr
		}
	}
	return tx.Commit()
}

// LoadAudit returns audit entries in append order.
func (s *Store) LoadAudit(ctx context.Context, entityUID string) ([]domain.AuditEntry, error) {
	query := `SELECT timestamp, action_type, entity_uid, details FROM audit_log`
	var args []any
	if entityUID != "" {
		query += ` WHERE entity_uid = $1`
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
	for _, f := range findings {
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		var remAction, remValue any
		if f.Remediation != nil {
			remAction, remValue = f.Remediation.Action, f.Remediation.NewValue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO findings (timestamp, entity_uid, entity_type, field_name, value, reason, patient_id, remediation_action, remediation_value)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ts.Format(time.RFC3339Nano), f.EntityUID, f.EntityType, f.Field, f.Value, f.Reason, f.PatientID, remAction, remValue); err != nil {
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

// FlattenedInstances mirrors the sqlite join with numbered placeholders.
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
		conds = append(conds, "p.patient_id IN ("+numberedPlaceholders(len(args)+1, len(filter.PatientIDs))+")")
		for _, id := range filter.PatientIDs {
			args = append(args, id)
		}
	}
	if len(filter.InstanceUIDs) > 0 {
		conds = append(conds, "i.sop_instance_uid IN ("+numberedPlaceholders(len(args)+1, len(filter.InstanceUIDs))+")")
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
		var name, date, modality, classUID, filePath, alg, hash, attrs sql.NullString
		var number, offset, length sql.NullInt64
		if err := rows.Scan(&fi.PatientID, &name,
			&fi.StudyInstanceUID, &date,
			&fi.SeriesInstanceUID, &modality,
			&fi.SOPInstanceUID, &classUID, &number, &filePath,
			&offset, &length, &alg, &hash, &attrs); err != nil {
			_ = rows.Close()
			return nil, err
		}
		fi.PatientName = name.String
		fi.StudyDate = date.String
		fi.Modality = modality.String
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

func numberedPlaceholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ",")
}

// LiveBlobRefs enumerates stored sidecar references for compaction.
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

// UpdateBlobRefs rewrites stored references after compaction.
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
	for uid, ref := range refs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE instances SET pixel_offset = $1, pixel_length = $2 WHERE sop_instance_uid = $3`,
			int64(ref.Offset), int64(ref.Length), uid); err != nil {
			retErr = fmt.Errorf("relocate instance %s: %w", uid, err)
			return retErr
		}
	}
	return tx.Commit()
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}
