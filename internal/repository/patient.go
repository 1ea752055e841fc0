package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/cdss-reasoning-server/internal/domain"
)

// PatientRepository reads the patient fact base. The fact base is owned
// by the intake pipeline; this repository is strictly read-only and
// fetches each table independently so one failed source degrades the
// snapshot instead of failing it.
type PatientRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

func NewPatientRepository(db *pgxpool.Pool, logger *logrus.Logger) *PatientRepository {
	return &PatientRepository{
		db:  db,
		log: logger,
	}
}

// FetchPatientFacts assembles the raw multi-table snapshot for one
// patient. A missing patient_info row is ErrProfileNotFound; failures
// on the satellite tables are recorded in DegradedSources and the
// snapshot returns with whatever answered.
func (r *PatientRepository) FetchPatientFacts(ctx context.Context, patientID string) (*domain.PatientFacts, error) {
	basic, err := r.fetchBasic(ctx, patientID)
	if err != nil {
		return nil, err
	}

	facts := &domain.PatientFacts{Basic: basic}

	if facts.Diagnoses, err = r.fetchDiagnoses(ctx, patientID); err != nil {
		r.log.WithError(err).WithField("patient_id", patientID).Warn("diagnosis fetch degraded")
		facts.DegradedSources = append(facts.DegradedSources, "diagnosis_records")
	}
	if facts.Medications, err = r.fetchMedications(ctx, patientID); err != nil {
		r.log.WithError(err).WithField("patient_id", patientID).Warn("medication fetch degraded")
		facts.DegradedSources = append(facts.DegradedSources, "medication_records")
	}
	if facts.Hypertension, err = r.fetchHypertension(ctx, patientID); err != nil {
		r.log.WithError(err).WithField("patient_id", patientID).Warn("hypertension assessment fetch degraded")
		facts.DegradedSources = append(facts.DegradedSources, "hypertension_risk_assessment")
	}
	if facts.Diabetes, err = r.fetchDiabetes(ctx, patientID); err != nil {
		r.log.WithError(err).WithField("patient_id", patientID).Warn("diabetes assessment fetch degraded")
		facts.DegradedSources = append(facts.DegradedSources, "diabetes_control_assessment")
	}

	return facts, nil
}

func (r *PatientRepository) fetchBasic(ctx context.Context, patientID string) (*domain.PatientRecord, error) {
	query := `
		SELECT patient_id, name, sex, age, height_cm, weight_kg, bmi
		FROM patient_info
		WHERE patient_id = $1`

	var rec domain.PatientRecord
	err := r.db.QueryRow(ctx, query, patientID).Scan(
		&rec.PatientID,
		&rec.Name,
		&rec.Sex,
		&rec.Age,
		&rec.HeightCM,
		&rec.WeightKG,
		&rec.BMI,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrProfileNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to fetch patient record")
		return nil, fmt.Errorf("fetching patient record: %w", err)
	}
	return &rec, nil
}

func (r *PatientRepository) fetchDiagnoses(ctx context.Context, patientID string) ([]domain.DiagnosisRecord, error) {
	query := `
		SELECT diagnosis_name, diagnosed_at
		FROM diagnosis_records
		WHERE patient_id = $1
		ORDER BY diagnosed_at`

	rows, err := r.db.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("fetching diagnoses: %w", err)
	}
	defer rows.Close()

	var out []domain.DiagnosisRecord
	for rows.Next() {
		var rec domain.DiagnosisRecord
		if err := rows.Scan(&rec.Name, &rec.DiagnosedAt); err != nil {
			return nil, fmt.Errorf("scanning diagnosis: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PatientRepository) fetchMedications(ctx context.Context, patientID string) ([]domain.MedicationRecord, error) {
	query := `
		SELECT drug_name, drug_class, dose, started_at
		FROM medication_records
		WHERE patient_id = $1 AND stopped_at IS NULL
		ORDER BY started_at`

	rows, err := r.db.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("fetching medications: %w", err)
	}
	defer rows.Close()

	var out []domain.MedicationRecord
	for rows.Next() {
		var rec domain.MedicationRecord
		if err := rows.Scan(&rec.DrugName, &rec.DrugClass, &rec.Dose, &rec.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning medication: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PatientRepository) fetchHypertension(ctx context.Context, patientID string) (*domain.HypertensionRecord, error) {
	query := `
		SELECT systolic, diastolic, heart_rate, risk_factors, target_organ_damage,
			   clinical_conditions, assessed_at
		FROM hypertension_risk_assessment
		WHERE patient_id = $1
		ORDER BY assessed_at DESC
		LIMIT 1`

	var rec domain.HypertensionRecord
	err := r.db.QueryRow(ctx, query, patientID).Scan(
		&rec.Systolic,
		&rec.Diastolic,
		&rec.HeartRate,
		&rec.RiskFactors,
		&rec.TargetOrganDamage,
		&rec.ClinicalConditions,
		&rec.AssessedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching hypertension assessment: %w", err)
	}
	return &rec, nil
}

func (r *PatientRepository) fetchDiabetes(ctx context.Context, patientID string) (*domain.DiabetesRecord, error) {
	query := `
		SELECT fasting_glucose, postprandial_glucose, hba1c, insulin_usage,
			   complications, assessed_at
		FROM diabetes_control_assessment
		WHERE patient_id = $1
		ORDER BY assessed_at DESC
		LIMIT 1`

	var rec domain.DiabetesRecord
	err := r.db.QueryRow(ctx, query, patientID).Scan(
		&rec.FastingGlucose,
		&rec.PostprandialGlucose,
		&rec.HbA1c,
		&rec.InsulinUsage,
		&rec.Complications,
		&rec.AssessedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching diabetes assessment: %w", err)
	}
	return &rec, nil
}
