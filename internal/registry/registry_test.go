package registry

import (
	"reflect"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New[int]()
	r.Register("one", 1)
	r.Register("two", 2)

	got, ok := r.Lookup("one")
	if !ok || got != 1 {
		t.Errorf("Lookup(one) = %v, %v; want 1, true", got, ok)
	}

	if _, ok := r.Lookup("missing"); ok {
		t.Error("Lookup(missing) should report false")
	}
}

func TestNamesPreservesRegistrationOrder(t *testing.T) {
	r := New[int]()
	r.Register("c", 3)
	r.Register("a", 1)
	r.Register("b", 2)

	want := []string{"c", "a", "b"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if got := r.All(); !reflect.DeepEqual(got, []int{3, 1, 2}) {
		t.Errorf("All() = %v, want [3 1 2]", got)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r := New[int]()
	r.Register("dup", 1)
	r.Register("dup", 2)
}

func TestRegisterEmptyNamePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on empty name")
		}
	}()
	r := New[int]()
	r.Register("", 1)
}
