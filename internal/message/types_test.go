package message

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPatchApplyKeepsAbsentFields(t *testing.T) {
	t.Parallel()

	base := Message{
		Author:         "ada",
		AuthorPhotoURL: String("https://example.com/ada.png"),
		ImageURL:       String(LoadingImageURL),
	}
	got := Patch{ImageURL: String("https://cdn.example.com/cat.png")}.Apply(base)

	if got.Author != "ada" {
		t.Fatalf("author changed: %q", got.Author)
	}
	if got.AuthorPhotoURL == nil || *got.AuthorPhotoURL != "https://example.com/ada.png" {
		t.Fatalf("photo url changed: %v", got.AuthorPhotoURL)
	}
	if got.Text != nil {
		t.Fatalf("text should stay nil")
	}
	if got.IsPlaceholder() {
		t.Fatalf("expected resolved image url")
	}
	if !base.IsPlaceholder() {
		t.Fatalf("apply must not mutate its input")
	}
}

func TestMessageEqual(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b Message
		want bool
	}{
		{name: "both empty", a: Message{}, b: Message{}, want: true},
		{name: "same text", a: Message{Text: String("hi")}, b: Message{Text: String("hi")}, want: true},
		{name: "nil vs empty text", a: Message{Text: String("")}, b: Message{}, want: false},
		{name: "different author", a: Message{Author: "a"}, b: Message{Author: "b"}, want: false},
		{name: "different image", a: Message{ImageURL: String("x")}, b: Message{ImageURL: String("y")}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Fatalf("Equal()=%v want %v", got, tt.want)
			}
		})
	}
}

func TestMessageJSONLayout(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Message{Author: "ada", ImageURL: String(LoadingImageURL)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"author":"ada","imageUrl":"` + LoadingImageURL + `"}`
	if string(raw) != want {
		t.Fatalf("unexpected layout: %s", raw)
	}
}

func TestValidateScope(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		Scope("u1"):              true,
		"user-messages/":         false,
		"other/u1":               false,
		"user-messages/u1/extra": false,
		"user-messages/..":       false,
	}
	for scope, ok := range cases {
		err := ValidateScope(scope)
		if ok && err != nil {
			t.Fatalf("scope %q: unexpected error %v", scope, err)
		}
		if !ok && !errors.Is(err, ErrInvalidScope) {
			t.Fatalf("scope %q: expected ErrInvalidScope, got %v", scope, err)
		}
	}
}

func TestDegenerate(t *testing.T) {
	t.Parallel()

	if !(Message{Author: "x"}).Degenerate() {
		t.Fatalf("expected degenerate message")
	}
	if (Message{Author: "x", Text: String("")}).Degenerate() {
		t.Fatalf("empty text is still a payload")
	}
}
