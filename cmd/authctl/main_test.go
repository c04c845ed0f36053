package main

import "testing"

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		withURL bool
		args    []string
		want    string
	}{
		{false, []string{"reload"}, "reload"},
		{false, []string{"shutdown"}, "shutdown"},
		{false, []string{"refresh", "gmail"}, "refresh nourl gmail"},
		{true, []string{"refresh", "gmail"}, "refresh withurl gmail"},
		{true, []string{"showtoken", "work"}, "showtoken withurl work"},
	}

	for _, c := range cases {
		got, err := buildCommand(c.withURL, c.args)
		if err != nil {
			t.Fatalf("buildCommand(%v, %v): %v", c.withURL, c.args, err)
		}
		if got != c.want {
			t.Errorf("buildCommand(%v, %v) = %q, want %q", c.withURL, c.args, got, c.want)
		}
	}
}

func TestBuildCommandRejectsUnknown(t *testing.T) {
	if _, err := buildCommand(false, []string{"bogus"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestBuildCommandRejectsWrongArity(t *testing.T) {
	if _, err := buildCommand(false, []string{"refresh"}); err == nil {
		t.Fatal("expected error for missing account name")
	}
	if _, err := buildCommand(false, []string{"reload", "extra"}); err == nil {
		t.Fatal("expected error for extra argument to reload")
	}
}
