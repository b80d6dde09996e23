package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestRetryableCodes(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&pq.Error{Code: "40001"}, true},
		{&pq.Error{Code: "40P01"}, true},
		{fmt.Errorf("commit: %w", &pq.Error{Code: "40001"}), true},
		{&pq.Error{Code: "23505"}, false},
		{errors.New("connection reset"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := retryable(c.err); got != c.want {
			t.Errorf("retryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestMapWriteErr(t *testing.T) {
	if err := mapWriteErr("insert member", &pq.Error{Code: "23505"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("unique violation = %v, want ErrConflict", err)
	}
	fk := &pq.Error{Code: "23503"}
	err := mapWriteErr("insert member", fk)
	if errors.Is(err, ErrConflict) {
		t.Fatalf("foreign key violation mapped to conflict")
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23503" {
		t.Fatalf("cause lost: %v", err)
	}
}
