package importer

import (
	"context"
	"errors"
	"net/mail"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/subvault/subimport/internal/store"
)

// Resolver finds or creates the customer account for an import row.
type Resolver struct {
	store store.Store
}

// NewResolver creates a customer resolver over the given store.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// Resolve returns the customer for a row. Lookup order: explicit customer
// ID, then email, then username. An explicit ID that matches no account is
// an error; so is a row with no usable identity at all. When nothing
// matches and an email is present, a new account is created, unless the
// session is in test mode, in which case only a feasibility check runs and
// a placeholder user is returned.
//
// Any problem is recorded on the report; the returned user is nil exactly
// when resolution failed.
func (r *Resolver) Resolve(ctx context.Context, sess *Session, row ImportRow, rep *rowReport) *store.User {
	if raw := row[FieldCustomerID]; raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			rep.errorf("Invalid customer_id %q: expected a numeric user ID.", raw)
			return nil
		}
		user, err := r.store.UserByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			rep.errorf("No customer account could be found with the customer_id %d.", id)
			return nil
		}
		if err != nil {
			rep.errorf("Customer lookup failed: %v", err)
			return nil
		}
		return user
	}

	email := strings.TrimSpace(row[FieldCustomerEmail])
	username := strings.TrimSpace(row[FieldCustomerUsername])

	if email != "" {
		user, err := r.store.UserByEmail(ctx, email)
		if err == nil {
			return user
		}
		if !errors.Is(err, store.ErrNotFound) {
			rep.errorf("Customer lookup failed: %v", err)
			return nil
		}
	}
	if username != "" {
		user, err := r.store.UserByLogin(ctx, username)
		if err == nil {
			return user
		}
		if !errors.Is(err, store.ErrNotFound) {
			rep.errorf("Customer lookup failed: %v", err)
			return nil
		}
	}

	if email == "" {
		rep.errorf("Row has no usable customer identity: provide a customer_id, customer_email, or customer_username.")
		return nil
	}
	if _, err := mail.ParseAddress(email); err != nil {
		rep.errorf("Invalid customer_email %q.", email)
		return nil
	}

	if sess.TestMode {
		// Feasibility only: the account would be created on a real run.
		return &store.User{Login: loginFor(username, email), Email: email}
	}
	return r.create(ctx, sess, row, email, username, rep)
}

// create registers a new customer account from the row's identity and
// address fields. The password is taken from the row or generated.
func (r *Resolver) create(ctx context.Context, sess *Session, row ImportRow, email, username string, rep *rowReport) *store.User {
	password := row[FieldCustomerPassword]
	if password == "" {
		password = uuid.NewString()
	}

	user, err := r.store.CreateUser(ctx, &store.NewUser{
		Login:    loginFor(username, email),
		Email:    email,
		Password: password,
		Billing:  billingAddress(row, email),
		Shipping: shippingAddress(row),
	})
	if err != nil {
		rep.errorf("Could not create a customer account for %q: %v", email, err)
		return nil
	}

	if sess.EmailCustomer {
		// The notification path matches storefront signup; here that means
		// handing off to whatever mailer is watching the log stream.
		sess.Log.Info("sending new account email",
			"user_id", user.ID,
			"email", email,
		)
	}
	return user
}

// loginFor derives a login name: explicit username if given, otherwise the
// local part of the email address.
func loginFor(username, email string) string {
	if username != "" {
		return username
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}

func billingAddress(row ImportRow, email string) store.Address {
	billingEmail := row[FieldBillingEmail]
	if billingEmail == "" {
		billingEmail = email
	}
	return store.Address{
		FirstName: row[FieldBillingFirstName],
		LastName:  row[FieldBillingLastName],
		Company:   row[FieldBillingCompany],
		Address1:  row[FieldBillingAddress1],
		Address2:  row[FieldBillingAddress2],
		City:      row[FieldBillingCity],
		State:     row[FieldBillingState],
		Postcode:  row[FieldBillingPostcode],
		Country:   row[FieldBillingCountry],
		Email:     billingEmail,
		Phone:     row[FieldBillingPhone],
	}
}

func shippingAddress(row ImportRow) store.Address {
	return store.Address{
		FirstName: row[FieldShippingFirstName],
		LastName:  row[FieldShippingLastName],
		Company:   row[FieldShippingCompany],
		Address1:  row[FieldShippingAddress1],
		Address2:  row[FieldShippingAddress2],
		City:      row[FieldShippingCity],
		State:     row[FieldShippingState],
		Postcode:  row[FieldShippingPostcode],
		Country:   row[FieldShippingCountry],
	}
}
