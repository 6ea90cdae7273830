package rtsync

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestQueryBuilderErrors(t *testing.T) {
	tests := []struct {
		name string
		q    Query
	}{
		{"bad path", NewQuery("a.b")},
		{"two orderBys", NewQuery("x").OrderByKey().OrderByValue()},
		{"order by $key child", NewQuery("x").OrderByChild("$key")},
		{"empty child path", NewQuery("x").OrderByChild("")},
		{"start set twice", NewQuery("x").StartAt(1).StartAt(2)},
		{"equalTo after start", NewQuery("x").StartAt(1).EqualTo(2)},
		{"zero limit", NewQuery("x").LimitToFirst(0)},
		{"two limits", NewQuery("x").LimitToFirst(1).LimitToLast(1)},
		{"key index with number", NewQuery("x").OrderByKey().StartAt(1)},
		{"key index with name", NewQuery("x").OrderByKey().StartAt("a", "b")},
		{"key index set after bound", NewQuery("x").StartAt(1).OrderByKey()},
		{"priority bound bool", NewQuery("x").OrderByPriority().StartAt(true)},
		{"object bound", NewQuery("x").OrderByValue().StartAt(map[string]any{"a": 1})},
		{"two names", NewQuery("x").OrderByValue().StartAt(1, "a", "b")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ve *ValidationError
			if !errors.As(tt.q.Err(), &ve) {
				t.Fatalf("Err() = %v, want a ValidationError", tt.q.Err())
			}
		})
	}
}

func TestQueryBuilderStickyError(t *testing.T) {
	q := NewQuery("x").LimitToFirst(-1)
	first := q.Err()
	q = q.OrderByKey().StartAt("a").LimitToLast(3)
	if q.Err() != first {
		t.Fatalf("error changed to %v", q.Err())
	}
}

func TestQueryWireObject(t *testing.T) {
	tests := []struct {
		name string
		q    Query
		want string
	}{
		{"default", NewQuery("x"), "default"},
		{"limit by value", NewQuery("x").OrderByValue().LimitToFirst(2), `{"i":".value","l":2,"vf":"l"}`},
		{"range by child", NewQuery("x").OrderByChild("age").StartAt(18).EndAt(65), `{"ep":65,"i":"age","sp":18}`},
		{"equal with name", NewQuery("x").EqualTo("v", "k"), `{"en":"k","ep":"v","sn":"k","sp":"v"}`},
		{"limit last", NewQuery("x").LimitToLast(3), `{"l":3,"vf":"r"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.q.Err(); err != nil {
				t.Fatal(err)
			}
			if got := tt.q.Params().ID(); got != tt.want {
				t.Fatalf("ID = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseQueryParamsMatchesBuilder(t *testing.T) {
	built := NewQuery("x").OrderByChild("score").StartAt(10, "m").LimitToLast(5).Params()

	raw, err := json.Marshal(built.WireObject())
	if err != nil {
		t.Fatal(err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseQueryParams(obj)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.ID() != built.ID() {
		t.Fatalf("parsed %s, built %s", parsed.ID(), built.ID())
	}

	if _, err := ParseQueryParams(map[string]any{"l": 0, "vf": "l"}); err == nil {
		t.Fatal("zero limit should not parse")
	}
	if _, err := ParseQueryParams(map[string]any{"l": 2, "vf": "sideways"}); err == nil {
		t.Fatal("bad direction should not parse")
	}
}

func TestQueryParamsFilter(t *testing.T) {
	data := mustNode(t, map[string]any{"a": 4, "b": 3, "c": 2, "d": 1})
	tests := []struct {
		name string
		q    Query
		want map[string]any
	}{
		{"key range", NewQuery("x").OrderByKey().StartAt("b").EndAt("c"), map[string]any{"b": 3.0, "c": 2.0}},
		{"start after key", NewQuery("x").OrderByKey().StartAfter("b"), map[string]any{"c": 2.0, "d": 1.0}},
		{"end before key", NewQuery("x").OrderByKey().EndBefore("b"), map[string]any{"a": 4.0}},
		{"lowest two values", NewQuery("x").OrderByValue().LimitToFirst(2), map[string]any{"c": 2.0, "d": 1.0}},
		{"highest value", NewQuery("x").OrderByValue().LimitToLast(1), map[string]any{"a": 4.0}},
		{"value equal", NewQuery("x").OrderByValue().EqualTo(3), map[string]any{"b": 3.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.q.Err(); err != nil {
				t.Fatal(err)
			}
			if got := tt.q.Params().Filter(data).Value(false); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Filter = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestQueryString(t *testing.T) {
	if got := NewQuery("a/b").String(); got != "/a/b" {
		t.Errorf("String = %q", got)
	}
	if got := NewQuery("a").Child("b/c").Path().String(); got != "/a/b/c" {
		t.Errorf("Child path = %q", got)
	}
	if got := NewQuery("a/b").Key(); got != "b" {
		t.Errorf("Key = %q", got)
	}
}
