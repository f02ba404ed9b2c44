package orchestrator

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mohammad-safakhou/shelfgate/internal/validate"
)

func TestBookPayload(t *testing.T) {
	got, err := Book.Payload(map[string]string{
		"title":           " Dune ",
		"details":         "sci-fi",
		"author":          "3",
		"is_borrowed":     "on",
		"existing_photo":  "/uploads/dune.png",
		"idempotency_key": "ignored-key",
		"unknown":         "dropped",
	})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	want := map[string]any{
		"title":       "Dune",
		"details":     "sci-fi",
		"author_id":   int64(3),
		"is_borrowed": true,
		"photo":       "/uploads/dune.png",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriberPayloadHasNoPhoto(t *testing.T) {
	got, err := Subscriber.Payload(map[string]string{"firstname": "Ann", "lastname": "Lee", "email": "ann@example.com"})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	want := map[string]any{"firstname": "Ann", "lastname": "Lee", "email": "ann@example.com"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestPayloadRejectsBadInput(t *testing.T) {
	cases := map[string]map[string]string{
		"missing title":  {"author": "3"},
		"bad author":     {"title": "Dune", "author": "three"},
		"missing author": {"title": "Dune"},
	}
	for name, form := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Book.Payload(form); !errors.Is(err, validate.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if err := Book.Check(form); !errors.Is(err, validate.ErrValidation) {
				t.Fatalf("Check: expected validation error, got %v", err)
			}
		})
	}
	if err := Book.Check(map[string]string{"title": "Dune", "author": "3"}); err != nil {
		t.Fatalf("Check rejected a valid form: %v", err)
	}
}

func TestKindValidateIgnoresControlFields(t *testing.T) {
	form := map[string]string{
		"firstname":       strings.Repeat("a", 20),
		"lastname":        strings.Repeat("b", 20),
		"idempotency_key": strings.Repeat("k", 36),
		"existing_photo":  "/uploads/some-long-path.png",
	}
	if err := Author.Validate(form); err != nil {
		t.Fatalf("control fields counted: %v", err)
	}
	form["lastname"] += "c"
	var tooLong *validate.BodyTooLongError
	if err := Author.Validate(form); !errors.As(err, &tooLong) || tooLong.Limit != 40 {
		t.Fatalf("expected body too long, got %v", err)
	}
}

func TestKindPaths(t *testing.T) {
	if Book.Item(4) != "/books/4" || Book.Photo(4) != "/books/photo/4" || Author.Photo(2) != "/author/photo/2" {
		t.Fatal("unexpected kind paths")
	}
	if Subscriber.HasPhoto() {
		t.Fatal("subscribers carry no photo")
	}
}
