package jsbind

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
)

type point struct {
	X     int    `js:"x"`
	Y     int    `js:"y"`
	Label string `js:"label"`
	Skip  string `js:"-"`
	Tags  []string
	inner int
}

func TestMarshal(t *testing.T) {
	var nilMap map[string]int
	var nilPtr *point
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"int", 7, 7.0},
		{"uint8", uint8(200), 200.0},
		{"float32", float32(0.5), 0.5},
		{"string", "héllo", "héllo"},
		{"nil map", nilMap, nil},
		{"nil pointer", nilPtr, nil},
		{"slice", []int{1, 2, 3}, []any{1.0, 2.0, 3.0}},
		{"array", [2]bool{true, false}, []any{true, false}},
		{"map", map[string]any{"a": 1, "b": []any{"c"}}, map[string]any{"a": 1.0, "b": []any{"c"}}},
		{
			"struct",
			point{X: 1, Y: 2, Label: "p", Skip: "no", Tags: []string{"t"}, inner: 3},
			map[string]any{"x": 1.0, "y": 2.0, "label": "p", "tags": []any{"t"}},
		},
		{"pointer to struct", &point{X: 5}, map[string]any{"x": 5.0, "y": 0.0, "label": "", "tags": nil}},
	}

	h := newHost(t)
	run(t, h, func(env Env) error {
		for _, tt := range tests {
			v, err := Marshal(env, tt.in)
			if err != nil {
				t.Errorf("%s: Marshal() = %v", tt.name, err)
				continue
			}
			got, err := Export(v)
			if err != nil {
				t.Errorf("%s: Export() = %v", tt.name, err)
				continue
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("%s: got %#v, want %#v", tt.name, got, tt.want)
			}
		}
		return nil
	})
}

func TestMarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"channel", make(chan int)},
		{"func", func() {}},
		{"int keys", map[int]string{1: "a"}},
		{"nested channel", []any{1, make(chan int)}},
	}
	h := newHost(t)
	run(t, h, func(env Env) error {
		for _, tt := range tests {
			if _, err := Marshal(env, tt.in); !errors.Is(err, ErrTypeMismatch) {
				t.Errorf("%s: Marshal() = %v, want %v", tt.name, err, ErrTypeMismatch)
			}
		}
		return nil
	})
}

func TestMarshalError(t *testing.T) {
	h := newHost(t)
	run(t, h, func(env Env) error {
		v, err := Marshal(env, errors.New("disk full"))
		if err != nil {
			return err
		}
		if !v.IsError() {
			return fmt.Errorf("Marshal(error) type = %v, want an Error object", v.Type())
		}
		msg, err := v.Get("message")
		if err != nil {
			return err
		}
		if s, _ := msg.Str(); s != "disk full" {
			t.Errorf("message = %q, want disk full", s)
		}
		back, err := Unmarshal[error](env, v)
		if err != nil || back == nil || back.Error() != "disk full" {
			t.Errorf("Unmarshal[error]() = %v, %v", back, err)
		}
		return nil
	})
}

func TestUnmarshal(t *testing.T) {
	h := newHost(t)
	run(t, h, func(env Env) error {
		src, err := Marshal(env, map[string]any{"x": 3, "y": -4, "label": "q", "Skip": "ignored"})
		if err != nil {
			return err
		}
		p, err := Unmarshal[point](env, src)
		if err != nil {
			return err
		}
		if want := (point{X: 3, Y: -4, Label: "q"}); !reflect.DeepEqual(p, want) {
			t.Errorf("Unmarshal[point]() = %+v, want %+v", p, want)
		}

		pp, err := Unmarshal[*point](env, env.Null())
		if err != nil || pp != nil {
			t.Errorf("Unmarshal[*point](null) = %v, %v; want nil", pp, err)
		}

		arr, err := Marshal(env, []float64{1, 2})
		if err != nil {
			return err
		}
		ints, err := Unmarshal[[]int](env, arr)
		if err != nil || !reflect.DeepEqual(ints, []int{1, 2}) {
			t.Errorf("Unmarshal[[]int]() = %v, %v", ints, err)
		}

		m, err := Unmarshal[map[string]string](env, src)
		if err == nil {
			t.Errorf("Unmarshal[map[string]string]() = %v, want a type mismatch on x", m)
		}
		return nil
	})
}

func TestUnmarshalMismatch(t *testing.T) {
	h := newHost(t)
	run(t, h, func(env Env) error {
		str, _ := env.String("5")
		big, _ := env.Float64(300)
		neg, _ := env.Float64(-1)
		inf, _ := env.Float64(math.Inf(1))
		huge, _ := env.Float64(1e20)
		tiny, _ := env.Float64(-1e20)

		check := func(name string, err error) {
			if !errors.Is(err, ErrTypeMismatch) {
				t.Errorf("%s: err = %v, want %v", name, err, ErrTypeMismatch)
			}
		}
		_, err := Unmarshal[int](env, str)
		check("string into int", err)
		_, err = Unmarshal[int8](env, big)
		check("300 into int8", err)
		_, err = Unmarshal[uint](env, neg)
		check("-1 into uint", err)
		_, err = Unmarshal[int64](env, inf)
		check("Inf into int64", err)
		_, err = Unmarshal[int64](env, huge)
		check("1e20 into int64", err)
		_, err = Unmarshal[int](env, huge)
		check("1e20 into int", err)
		_, err = Unmarshal[int64](env, tiny)
		check("-1e20 into int64", err)
		_, err = Unmarshal[uint64](env, huge)
		check("1e20 into uint64", err)
		_, err = Unmarshal[uint64](env, tiny)
		check("-1e20 into uint64", err)
		_, err = Unmarshal[point](env, str)
		check("string into struct", err)
		_, err = Unmarshal[bool](env, env.Undefined())
		check("undefined into bool", err)
		return nil
	})
}

func TestExportRejectsFunctions(t *testing.T) {
	h := newHost(t)
	run(t, h, func(env Env) error {
		fn, err := Function(env, "f", func(*Call) (any, error) { return nil, nil })
		if err != nil {
			return err
		}
		if _, err := Export(fn); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("Export(function) = %v, want %v", err, ErrTypeMismatch)
		}
		return nil
	})
}
