// Package product defines the monitored product model.
package product

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Product is a monitored product. Its URL doubles as its identity.
type Product struct {
	ID           string `json:"id"`
	Name         string `json:"name" validate:"required,max=200"`
	URL          string `json:"url" validate:"required,http_url"`
	AddToCartURL string `json:"addToCartUrl,omitempty" validate:"omitempty,http_url"`
	AutoCheckout bool   `json:"autoCheckout"`
}

var ErrInvalid = errors.New("invalid product")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() { validate = validator.New(validator.WithRequiredStructEnabled()) })
	return validate
}

// Normalize trims fields and sets ID from URL.
func (p Product) Normalize() Product {
	p.Name = strings.TrimSpace(p.Name)
	p.URL = strings.TrimSpace(p.URL)
	p.AddToCartURL = strings.TrimSpace(p.AddToCartURL)
	p.ID = p.URL
	return p
}

// Validate reports the first failing field wrapped in ErrInvalid.
func (p Product) Validate() error {
	if err := validatorInstance().Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalid, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Host returns the lower-cased hostname of the product URL without a "www." prefix.
func (p Product) Host() string {
	return HostOf(p.URL)
}

func HostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Upsert replaces the product with the same ID or appends it. The input slice is not modified.
func Upsert(list []Product, p Product) []Product {
	out := make([]Product, 0, len(list)+1)
	replaced := false
	for _, cur := range list {
		if cur.ID == p.ID {
			out = append(out, p)
			replaced = true
			continue
		}
		out = append(out, cur)
	}
	if !replaced {
		out = append(out, p)
	}
	return out
}

// Remove drops the product with id and reports whether it was present.
func Remove(list []Product, id string) ([]Product, bool) {
	out := make([]Product, 0, len(list))
	found := false
	for _, cur := range list {
		if cur.ID == id {
			found = true
			continue
		}
		out = append(out, cur)
	}
	return out, found
}
