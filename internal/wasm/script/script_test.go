package script

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func requireAllOK(t *testing.T, outcomes []Outcome) {
	t.Helper()
	for _, o := range outcomes {
		if !o.OK {
			t.Fatalf("form %q at offset %d failed: %v", o.Form, o.Pos, o.Err)
		}
	}
}

func TestScript_ModuleInvokeAssertReturn(t *testing.T) {
	src := `
(module
  (func (export "add") (param i32 i32) (result i32)
    (i32.add (local.get 0) (local.get 1))))

(assert_return (invoke "add" (i32.const 2) (i32.const 3)) (i32.const 5))
`
	r := NewRunner()
	outcomes, err := r.Run([]byte(src))
	require.NoError(t, err)
	requireAllOK(t, outcomes)
	require.Len(t, outcomes, 2)
}

func TestScript_AssertTrap(t *testing.T) {
	src := `
(module
  (func (export "divzero") (param i32 i32) (result i32)
    (i32.div_s (local.get 0) (local.get 1))))

(assert_trap (invoke "divzero" (i32.const 1) (i32.const 0)) "integer divide by zero")
`
	r := NewRunner()
	outcomes, err := r.Run([]byte(src))
	require.NoError(t, err)
	requireAllOK(t, outcomes)
}

func TestScript_AssertReturnFailureIsReportedNotFatal(t *testing.T) {
	src := `
(module
  (func (export "add") (param i32 i32) (result i32)
    (i32.add (local.get 0) (local.get 1))))

(assert_return (invoke "add" (i32.const 2) (i32.const 3)) (i32.const 999))
(assert_return (invoke "add" (i32.const 1) (i32.const 1)) (i32.const 2))
`
	r := NewRunner()
	outcomes, err := r.Run([]byte(src))
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	require.True(t, outcomes[0].OK)
	require.False(t, outcomes[1].OK)
	require.True(t, outcomes[2].OK)
}

func TestScript_RegisterAndImport(t *testing.T) {
	src := `
(module $producer
  (func (export "const42") (result i32) (i32.const 42)))

(register "producer" $producer)

(module
  (import "producer" "const42" (func $imported (result i32)))
  (func (export "main") (result i32)
    (call $imported)))

(assert_return (invoke "main") (i32.const 42))
`
	r := NewRunner()
	outcomes, err := r.Run([]byte(src))
	require.NoError(t, err)
	requireAllOK(t, outcomes)
}

func TestScript_AssertUnlinkable(t *testing.T) {
	src := `
(assert_unlinkable
  (module (import "nonexistent" "field" (func (result i32))))
  "unknown import")
`
	r := NewRunner()
	outcomes, err := r.Run([]byte(src))
	require.NoError(t, err)
	requireAllOK(t, outcomes)
}

func TestScript_AssertMalformed(t *testing.T) {
	src := `(assert_malformed (module quote "(func (result i32) (i32.const") "unexpected end")`
	r := NewRunner()
	outcomes, err := r.Run([]byte(src))
	require.NoError(t, err)
	requireAllOK(t, outcomes)
}
