package worker

import (
	"errors"
	"testing"
)

func TestParseResultLastObjectWins(t *testing.T) {
	stdout := []byte(`starting browser
{"success": false, "message": "first attempt"}
uploading images 3/3
{"success": true, "message": "posted", "data": {"post_id": "abc"}}
`)
	res, err := parseResult(stdout)
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if !res.Success || res.Message != "posted" {
		t.Fatalf("expected last object, got %+v", res)
	}
	if res.Data["post_id"] != "abc" {
		t.Fatalf("data lost: %v", res.Data)
	}
}

func TestParseResultSkipsBrokenTrailingLines(t *testing.T) {
	stdout := []byte(`{"success": true, "message": "ok"}
{not json at all}
plain trailing noise`)
	res, err := parseResult(stdout)
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if !res.Success || res.Message != "ok" {
		t.Fatalf("expected earlier valid object, got %+v", res)
	}
}

func TestParseResultNoObject(t *testing.T) {
	if _, err := parseResult([]byte("only chatter\nno result here")); !errors.Is(err, errNoResult) {
		t.Fatalf("expected errNoResult, got %v", err)
	}
	if _, err := parseResult(nil); !errors.Is(err, errNoResult) {
		t.Fatalf("expected errNoResult on empty stdout, got %v", err)
	}
}
