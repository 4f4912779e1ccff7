package product

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Product
		ok   bool
	}{
		{name: "valid", p: Product{Name: "Console", URL: "https://shop.example/item/1"}, ok: true},
		{name: "with cart url", p: Product{Name: "Console", URL: "https://shop.example/item/1", AddToCartURL: "https://shop.example/cart/add?id=1"}, ok: true},
		{name: "missing name", p: Product{URL: "https://shop.example/item/1"}},
		{name: "bad url", p: Product{Name: "x", URL: "not a url"}},
		{name: "bad cart url", p: Product{Name: "x", URL: "https://shop.example/1", AddToCartURL: "ftp//"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.p.Normalize().Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Fatalf("err=%v, want ErrInvalid", err)
			}
		})
	}
}

func TestNormalizeSetsID(t *testing.T) {
	t.Parallel()

	p := Product{Name: " Console ", URL: " https://www.Shop.example/x "}.Normalize()
	if p.ID != "https://www.Shop.example/x" || p.Name != "Console" {
		t.Fatalf("normalized=%+v", p)
	}
	if p.Host() != "shop.example" {
		t.Fatalf("host=%q", p.Host())
	}
}

func TestUpsertReplacesByID(t *testing.T) {
	t.Parallel()

	a := Product{ID: "a", Name: "A"}
	b := Product{ID: "b", Name: "B"}
	list := Upsert(Upsert(nil, a), b)
	list = Upsert(list, Product{ID: "a", Name: "A2"})

	if len(list) != 2 || list[0].Name != "A2" || list[1].Name != "B" {
		t.Fatalf("list=%+v", list)
	}

	list, found := Remove(list, "a")
	if !found || len(list) != 1 || list[0].ID != "b" {
		t.Fatalf("after remove: found=%v list=%+v", found, list)
	}
	if _, found := Remove(list, "zzz"); found {
		t.Fatalf("removed unknown id")
	}
}
