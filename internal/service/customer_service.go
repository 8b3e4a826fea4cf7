package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/emailaddr"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/repository"
)

// CustomerService resolves senders to customers and maintains their profiles.
type CustomerService struct {
	db     *sqlx.DB
	logger *log.Logger
}

// NewCustomerService creates a customer service. A nil logger means log.Default().
func NewCustomerService(db *sqlx.DB, logger *log.Logger) *CustomerService {
	if logger == nil {
		logger = log.Default()
	}
	return &CustomerService{db: db, logger: logger}
}

// Resolve returns the customer owning address, creating one seeded from
// hints when the address is unknown. An existing customer is returned as
// stored; hints never rename a returning customer.
func (s *CustomerService) Resolve(ctx context.Context, address string, hints models.ProfileHints) (*models.Customer, error) {
	email, err := emailaddr.Sanitize(address)
	if err != nil {
		return nil, err
	}
	repo := repository.NewCustomerRepository(s.db)
	c, err := repo.FindByEmail(ctx, email)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup customer %s: %w", email, err)
	}

	created := &models.Customer{}
	ApplyHints(created, hints, true)
	err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		r := repo.WithTx(tx)
		if err := r.Create(ctx, created); err != nil {
			return err
		}
		if err := r.AddEmail(ctx, created.ID, email, models.EmailPrimary); err != nil {
			return err
		}
		emails, err := r.ListEmails(ctx, created.ID)
		created.Emails = emails
		return err
	})
	if errors.Is(err, repository.ErrEmailTaken) {
		// Another writer created the customer between lookup and insert.
		return repo.FindByEmail(ctx, email)
	}
	if err != nil {
		return nil, fmt.Errorf("create customer %s: %w", email, err)
	}
	s.logger.Printf("customers: created customer %d for %s", created.ID, email)
	return created, nil
}

// Get loads a customer with its addresses.
func (s *CustomerService) Get(ctx context.Context, id int64) (*models.Customer, error) {
	c, err := repository.NewCustomerRepository(s.db).GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCustomerNotFound
	}
	return c, err
}

// UpdateProfile applies hints to a stored customer and persists the result
// when anything changed.
func (s *CustomerService) UpdateProfile(ctx context.Context, id int64, hints models.ProfileHints, replaceExisting bool) (*models.Customer, error) {
	var c *models.Customer
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		repo := repository.NewCustomerRepository(tx)
		if err := repo.Lock(ctx, id); err != nil {
			return err
		}
		var err error
		if c, err = repo.GetByID(ctx, id); err != nil {
			return err
		}
		if !ApplyHints(c, hints, replaceExisting) {
			return nil
		}
		return repo.UpdateProfile(ctx, c)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AddEmail attaches another address to a customer.
func (s *CustomerService) AddEmail(ctx context.Context, id int64, address string) error {
	email, err := emailaddr.Sanitize(address)
	if err != nil {
		return err
	}
	if err := repository.NewCustomerRepository(s.db).AddEmail(ctx, id, email, models.EmailOther); err != nil {
		return fmt.Errorf("add %s to customer %d: %w", email, id, err)
	}
	return nil
}

// ApplyHints writes hints into c and reports whether anything changed. With
// replaceExisting every non-empty hint overwrites; otherwise only empty
// fields are filled. Each name half is guarded by its own emptiness, and
// background only ever fills empty notes.
func ApplyHints(c *models.Customer, hints models.ProfileHints, replaceExisting bool) bool {
	changed := false
	set := func(dst *string, hint string) {
		hint = strings.TrimSpace(hint)
		if hint == "" || *dst == hint {
			return
		}
		if *dst != "" && !replaceExisting {
			return
		}
		*dst = hint
		changed = true
	}
	set(&c.FirstName, hints.FirstName)
	set(&c.LastName, hints.LastName)
	set(&c.Company, hints.Company)
	set(&c.JobTitle, hints.JobTitle)
	set(&c.Phone, hints.Phone)
	set(&c.Website, hints.Website)
	set(&c.Address, hints.Address)
	set(&c.City, hints.City)
	set(&c.State, hints.State)
	set(&c.Zip, hints.Zip)
	set(&c.Country, hints.Country)
	set(&c.PhotoURL, hints.PhotoURL)

	if bg := strings.TrimSpace(hints.Background); bg != "" && strings.TrimSpace(c.Notes) == "" {
		c.Notes = bg
		changed = true
	}
	return changed
}
