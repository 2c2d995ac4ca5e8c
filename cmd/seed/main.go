package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/hospital-booking/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	doctorIDs, err := seedDoctors(context.Background(), pool, 50)
	if err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 5000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedSlots(context.Background(), pool, doctorIDs, 14); err != nil {
		log.Fatalf("seed slots: %v", err)
	}

	log.Println("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d doctors", count)

	titles := []string{
		"Resident",
		"Attending Physician",
		"Associate Chief Physician",
		"Chief Physician",
	}

	departments := make([]uuid.UUID, 10)
	for i := range departments {
		departments[i] = uuid.New()
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		dept := departments[gofakeit.Number(0, len(departments)-1)]
		name := gofakeit.Name()
		title := titles[gofakeit.Number(0, len(titles)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, department_id, name, title, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, dept, name, title)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("doctors seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			phone := gofakeit.Phone()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, phone, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, phone)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}

func seedSlots(ctx context.Context, pool *pgxpool.Pool, doctorIDs []uuid.UUID, days int) error {
	log.Printf("seeding slots for %d doctors over %d days", len(doctorIDs), days)

	type window struct {
		period     string
		startHour  int
		endHour    int
		priceCents int64
		class      string
	}
	windows := []window{
		{period: "morning", startHour: 8, endHour: 12, priceCents: 1500, class: "normal"},
		{period: "afternoon", startHour: 14, endHour: 17, priceCents: 1500, class: "normal"},
		{period: "evening", startHour: 18, endHour: 21, priceCents: 5000, class: "expert"},
	}

	hospitalID := uuid.New()
	today := time.Now().Truncate(24 * time.Hour)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	total := 0
	for _, doctorID := range doctorIDs {
		deptRow := tx.QueryRow(ctx, `SELECT department_id FROM doctors WHERE id = $1`, doctorID)
		var departmentID uuid.UUID
		if err := deptRow.Scan(&departmentID); err != nil {
			return err
		}

		for day := 1; day <= days; day++ {
			date := today.AddDate(0, 0, day)
			for _, w := range windows {
				capacity := gofakeit.Number(5, 20)
				start := date.Add(time.Duration(w.startHour) * time.Hour)
				end := date.Add(time.Duration(w.endHour) * time.Hour)

				_, err := tx.Exec(ctx, `
					INSERT INTO slots (id, hospital_id, department_id, doctor_id, visit_date,
						period, start_time, end_time, total, remaining, price_cents, class,
						created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10, $11, now(), now())
				`, uuid.New(), hospitalID, departmentID, doctorID, date,
					w.period, start, end, capacity, w.priceCents, w.class)
				if err != nil {
					return err
				}
				total++
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Printf("slots seeded: %d", total)
	return nil
}
