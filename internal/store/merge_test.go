package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePatch_FieldOverwrite(t *testing.T) {
	current := json.RawMessage(`{"title":"old","tags":["a"],"count":1}`)
	patch := json.RawMessage(`{"title":"new","count":2}`)

	got, err := MergePatch(current, patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"new","tags":["a"],"count":2}`, string(got))
}

func TestMergePatch_NullRemovesField(t *testing.T) {
	current := json.RawMessage(`{"title":"x","stale":true}`)
	patch := json.RawMessage(`{"stale":null}`)

	got, err := MergePatch(current, patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"x"}`, string(got))
}

func TestMergePatch_ArraysReplacedWholesale(t *testing.T) {
	current := json.RawMessage(`{"tags":["a","b"]}`)
	patch := json.RawMessage(`{"tags":["c"]}`)

	got, err := MergePatch(current, patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tags":["c"]}`, string(got))
}

func TestMergePatch_NestedObjectsNotDeepMerged(t *testing.T) {
	current := json.RawMessage(`{"meta":{"a":1,"b":2}}`)
	patch := json.RawMessage(`{"meta":{"a":9}}`)

	got, err := MergePatch(current, patch)
	require.NoError(t, err)
	// one level of nesting only: the whole nested object is replaced
	assert.JSONEq(t, `{"meta":{"a":9}}`, string(got))
}

func TestMergePatch_AbsentCurrent(t *testing.T) {
	got, err := MergePatch(nil, json.RawMessage(`{"title":"fresh"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"fresh"}`, string(got))
}

func TestMergePatch_Idempotent(t *testing.T) {
	current := json.RawMessage(`{"a":1,"b":2}`)
	patch := json.RawMessage(`{"b":3}`)

	once, err := MergePatch(current, patch)
	require.NoError(t, err)
	twice, err := MergePatch(once, patch)
	require.NoError(t, err)
	assert.JSONEq(t, string(once), string(twice))
}

func TestMergePatch_Malformed(t *testing.T) {
	_, err := MergePatch(json.RawMessage(`[1,2]`), json.RawMessage(`{"a":1}`))
	assert.Error(t, err)

	_, err = MergePatch(json.RawMessage(`{"a":1}`), json.RawMessage(`"nope"`))
	assert.Error(t, err)
}
