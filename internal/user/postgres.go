package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/database"
	"github.com/mesikahq/dpi/internal/encryption"
)

type postgresRepository struct {
	db      *sql.DB
	tx      database.Transactor
	encrypt encryption.Service
	logger  *zap.Logger
}

// NewPostgresRepository stores patient contact details encrypted with enc.
func NewPostgresRepository(db *sql.DB, enc encryption.Service, logger *zap.Logger) Repository {
	return &postgresRepository{
		db:      db,
		tx:      database.NewTransactor(db),
		encrypt: enc,
		logger:  logger,
	}
}

const selectUser = `
	SELECT u.id, u.last_name, u.first_name, u.email, u.password_hash, u.role, u.specialty, u.created_at,
	       p.nss, p.birth_date, p.address, p.phone, p.insurer, p.emergency_contact, p.attending_physician_id
	FROM users u
	LEFT JOIN patients p ON p.user_id = u.id`

func (r *postgresRepository) Create(ctx context.Context, u *User) error {
	if err := u.CheckProfile(); err != nil {
		return err
	}

	var specialty sql.NullString
	if p, ok := u.Physician(); ok {
		specialty = sql.NullString{String: p.Specialty, Valid: true}
	}

	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		conn := database.Conn(ctx, r.db)
		err := conn.QueryRowContext(ctx, `
			INSERT INTO users (last_name, first_name, email, password_hash, role, specialty)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at`,
			u.LastName, u.FirstName, NormalizeEmail(u.Email), u.PasswordHash, string(u.Role), specialty,
		).Scan(&u.ID, &u.CreatedAt)
		if err != nil {
			return mapUniqueViolation(err)
		}

		p, ok := u.Patient()
		if !ok {
			return nil
		}

		sealed, err := r.sealPatient(p)
		if err != nil {
			return err
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO patients (user_id, nss, birth_date, address, phone, insurer, emergency_contact, attending_physician_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			u.ID, p.NSS, p.BirthDate, sealed[0], sealed[1], sealed[2], sealed[3], nullInt(p.AttendingPhysicianID),
		)
		return mapUniqueViolation(err)
	})
}

func (r *postgresRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	row := database.Conn(ctx, r.db).QueryRowContext(ctx, selectUser+` WHERE u.id = $1`, id)
	return r.one(row, ErrUserNotFound)
}

func (r *postgresRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := database.Conn(ctx, r.db).QueryRowContext(ctx, selectUser+` WHERE u.email = $1`, NormalizeEmail(email))
	return r.one(row, ErrUserNotFound)
}

func (r *postgresRepository) GetPatientByNSS(ctx context.Context, nss string) (*User, error) {
	row := database.Conn(ctx, r.db).QueryRowContext(ctx, selectUser+` WHERE p.nss = $1`, nss)
	return r.one(row, ErrPatientNotFound)
}

func (r *postgresRepository) List(ctx context.Context, role access.Role) ([]*User, error) {
	var (
		rows *sql.Rows
		err  error
	)
	conn := database.Conn(ctx, r.db)
	if role == "" {
		rows, err = conn.QueryContext(ctx, selectUser+` WHERE u.role <> $1 ORDER BY u.id`, string(access.RolePatient))
	} else {
		rows, err = conn.QueryContext(ctx, selectUser+` WHERE u.role = $1 ORDER BY u.id`, string(role))
	}
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		u, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *postgresRepository) SetAttendingPhysician(ctx context.Context, patientID int64, physicianID *int64) error {
	res, err := database.Conn(ctx, r.db).ExecContext(ctx,
		`UPDATE patients SET attending_physician_id = $1 WHERE user_id = $2`,
		nullInt(physicianID), patientID)
	if err != nil {
		return fmt.Errorf("set attending physician: %w", err)
	}
	return expectOne(res, ErrPatientNotFound)
}

func (r *postgresRepository) Delete(ctx context.Context, id int64) error {
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return expectOne(res, ErrUserNotFound)
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *postgresRepository) one(row scanner, notFound error) (*User, error) {
	u, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	return u, err
}

func (r *postgresRepository) scan(row scanner) (*User, error) {
	var (
		u         User
		role      string
		specialty sql.NullString
		nss       sql.NullString
		birth     sql.NullTime
		address   sql.NullString
		phone     sql.NullString
		insurer   sql.NullString
		contact   sql.NullString
		attending sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.LastName, &u.FirstName, &u.Email, &u.PasswordHash, &role, &specialty, &u.CreatedAt,
		&nss, &birth, &address, &phone, &insurer, &contact, &attending)
	if err != nil {
		return nil, err
	}
	u.Role = access.Role(role)

	switch u.Role {
	case access.RolePhysician:
		u.Profile = &PhysicianProfile{Specialty: specialty.String}
	case access.RolePatient:
		if !nss.Valid {
			// patient row missing; the account cannot act as a patient
			r.logger.Warn("patient account without profile", zap.Int64("user_id", u.ID))
			return &u, nil
		}
		p := &PatientProfile{NSS: nss.String, BirthDate: birth.Time}
		if attending.Valid {
			id := attending.Int64
			p.AttendingPhysicianID = &id
		}
		plain, err := r.openPatient(address.String, phone.String, insurer.String, contact.String)
		if err != nil {
			return nil, fmt.Errorf("decrypt patient %d: %w", u.ID, err)
		}
		p.Address, p.Phone, p.Insurer, p.EmergencyContact = plain[0], plain[1], plain[2], plain[3]
		u.Profile = p
	}
	return &u, nil
}

func (r *postgresRepository) sealPatient(p *PatientProfile) ([4]string, error) {
	var out [4]string
	for i, v := range []string{p.Address, p.Phone, p.Insurer, p.EmergencyContact} {
		sealed, err := r.encrypt.Encrypt(v)
		if err != nil {
			return out, fmt.Errorf("encrypt patient data: %w", err)
		}
		out[i] = sealed
	}
	return out, nil
}

func (r *postgresRepository) openPatient(values ...string) ([4]string, error) {
	var out [4]string
	for i, v := range values {
		plain, err := r.encrypt.Decrypt(v)
		if err != nil {
			return out, err
		}
		out[i] = plain
	}
	return out, nil
}

func mapUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	constraint, ok := database.UniqueViolation(err)
	if !ok {
		return err
	}
	switch constraint {
	case "patients_nss_key":
		return ErrNSSTaken
	default:
		return ErrEmailTaken
	}
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
