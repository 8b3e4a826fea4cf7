package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/models"
)

const customerColumns = `id, first_name, last_name, company, job_title, phone, website, address, city, state,
	zip, country, photo_url, notes, created_at, updated_at`

// CustomerRepository stores customers and their addresses.
type CustomerRepository struct {
	q database.Queryer
}

func NewCustomerRepository(q database.Queryer) *CustomerRepository {
	return &CustomerRepository{q: q}
}

// WithTx returns a repository bound to tx.
func (r *CustomerRepository) WithTx(tx *sqlx.Tx) *CustomerRepository {
	return &CustomerRepository{q: tx}
}

// Create inserts c and sets its ID and timestamps.
func (r *CustomerRepository) Create(ctx context.Context, c *models.Customer) error {
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	id, err := database.InsertID(ctx, r.q, `
		INSERT INTO customers (first_name, last_name, company, job_title, phone, website, address, city, state,
			zip, country, photo_url, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.FirstName, c.LastName, c.Company, c.JobTitle, c.Phone, c.Website, c.Address, c.City, c.State,
		c.Zip, c.Country, c.PhotoURL, c.Notes, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID loads a customer with its addresses.
func (r *CustomerRepository) GetByID(ctx context.Context, id int64) (*models.Customer, error) {
	var c models.Customer
	if err := database.Get(ctx, r.q, &c, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	emails, err := r.ListEmails(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Emails = emails
	return &c, nil
}

// FindByEmail returns the customer owning the sanitized address.
func (r *CustomerRepository) FindByEmail(ctx context.Context, email string) (*models.Customer, error) {
	var id int64
	if err := database.Get(ctx, r.q, &id, `SELECT customer_id FROM customer_emails WHERE email = ?`, email); err != nil {
		return nil, notFound(err)
	}
	return r.GetByID(ctx, id)
}

// AddEmail attaches an address to a customer. ErrEmailTaken is returned when
// another customer already owns it.
func (r *CustomerRepository) AddEmail(ctx context.Context, customerID int64, email string, typ models.EmailType) error {
	_, err := database.Exec(ctx, r.q,
		`INSERT INTO customer_emails (customer_id, email, type, created_at) VALUES (?, ?, ?, ?)`,
		customerID, email, typ, time.Now().UTC())
	if database.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("failed to add customer email: %w", err)
	}
	return nil
}

// ListEmails returns the addresses of a customer, primary first.
func (r *CustomerRepository) ListEmails(ctx context.Context, customerID int64) ([]models.CustomerEmail, error) {
	var emails []models.CustomerEmail
	err := database.Select(ctx, r.q, &emails, `
		SELECT id, customer_id, email, type, created_at FROM customer_emails
		WHERE customer_id = ?
		ORDER BY CASE WHEN type = 'primary' THEN 0 ELSE 1 END, id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list customer emails: %w", err)
	}
	return emails, nil
}

// UpdateProfile writes the profile fields of c.
func (r *CustomerRepository) UpdateProfile(ctx context.Context, c *models.Customer) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := database.Exec(ctx, r.q, `
		UPDATE customers SET first_name = ?, last_name = ?, company = ?, job_title = ?, phone = ?, website = ?,
			address = ?, city = ?, state = ?, zip = ?, country = ?, photo_url = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		c.FirstName, c.LastName, c.Company, c.JobTitle, c.Phone, c.Website,
		c.Address, c.City, c.State, c.Zip, c.Country, c.PhotoURL, c.Notes, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MoveEmails reassigns every address of from to to, demoting them to aliases.
func (r *CustomerRepository) MoveEmails(ctx context.Context, from, to int64) (int64, error) {
	res, err := database.Exec(ctx, r.q,
		`UPDATE customer_emails SET customer_id = ?, type = ? WHERE customer_id = ?`, to, models.EmailOther, from)
	if err != nil {
		return 0, fmt.Errorf("failed to move customer emails: %w", err)
	}
	return res.RowsAffected()
}

// Delete removes a customer row. Addresses must have been moved or removed first.
func (r *CustomerRepository) Delete(ctx context.Context, id int64) error {
	if _, err := database.Exec(ctx, r.q, `DELETE FROM customer_emails WHERE customer_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete customer emails: %w", err)
	}
	res, err := database.Exec(ctx, r.q, `DELETE FROM customers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Lock takes a row lock on the customer for the rest of the transaction.
func (r *CustomerRepository) Lock(ctx context.Context, id int64) error {
	var got int64
	err := database.Get(ctx, r.q, &got, `SELECT id FROM customers WHERE id = ?`+database.ForUpdate(r.q), id)
	return notFound(err)
}
