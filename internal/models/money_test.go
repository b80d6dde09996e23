package models

import (
	"encoding/json"
	"testing"
)

func TestParseMoney(t *testing.T) {
	cases := []struct {
		in      string
		want    Money
		wantErr bool
	}{
		{"30", 3000, false},
		{"30.00", 3000, false},
		{"0.01", 1, false},
		{"10000.00", 1000000, false},
		{"7.5", 750, false},
		{"-4.00", -400, false},
		{"12.345", 0, true},
		{"1e3", 0, true},
		{"", 0, true},
		{".50", 0, true},
		{"5.", 0, true},
		{"abc", 0, true},
	}
	for _, c := range cases {
		got, err := ParseMoney(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseMoney(%q): expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMoney(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseMoney(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestMoneySplit(t *testing.T) {
	if got := Money(3000).Split(4); got != 750 {
		t.Fatalf("30.00/4 = %s, want 7.50", got)
	}
	if got := Money(1000).Split(3); got != 333 {
		t.Fatalf("10.00/3 = %s, want 3.33", got)
	}
	if got := Money(500).Split(3); got != 167 {
		t.Fatalf("5.00/3 = %s, want 1.67", got)
	}
}

func TestMoneyJSON(t *testing.T) {
	b, err := json.Marshal(Money(750))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"7.50"` {
		t.Fatalf("marshal = %s", b)
	}
	var m Money
	if err := json.Unmarshal([]byte(`12.34`), &m); err != nil || m != 1234 {
		t.Fatalf("unmarshal number: m=%d err=%v", m, err)
	}
	if err := json.Unmarshal([]byte(`"12.345"`), &m); err == nil {
		t.Fatalf("expected precision error")
	}
}
