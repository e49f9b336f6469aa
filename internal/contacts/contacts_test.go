package contacts

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorBoundary(t *testing.T) {
	v := NewValidator("55")
	cases := map[string]bool{
		"554199999999":    true,  // prefix + 10
		"5541999999999":   true,  // prefix + 11
		"55419999999":     false, // prefix + 9
		"55419999999999":  false, // prefix + 12
		"554199999999999": false,
		"5641999999999":   false,
		"55419999a9999":   false,
		"":                false,
	}
	for id, want := range cases {
		assert.Equal(t, want, v.Valid(id), id)
	}
}

func TestNormalizeDedupKeepsFirstOccurrence(t *testing.T) {
	rows := []Row{
		{Area1: "41", Number1: "99999-0001", Area2: "41", Number2: "99999-0002"},
		{Area1: "41", Number1: "(99999) 0001", Area2: "41", Number2: "99999-0003"},
	}
	got, st := NewNormalizer(Options{}).Normalize(rows)

	assert.Equal(t, []string{"5541999990001", "5541999990002", "5541999990003"}, Identifiers(got))
	assert.Equal(t, Stats{Total: 2, Valid: 3, Invalid: 0, Duplicates: 1}, st)
}

func TestNormalizeCountsInvalidAndSkipsEmptyPairs(t *testing.T) {
	rows := []Row{
		{Area1: "41", Number1: "123", Area2: "", Number2: "99999-0001"},
		{Area1: "41", Number1: "3333-4444"},
		{Area1: "4x", Number1: "99999-0001"},
	}
	got, st := NewNormalizer(Options{}).Normalize(rows)

	assert.Equal(t, []string{"554133334444"}, Identifiers(got))
	assert.Equal(t, 2, st.Invalid)
	assert.Equal(t, 1, st.Valid)
	assert.Equal(t, 3, st.Total)
}

func TestNormalizeChunkSizeDoesNotChangeOutcome(t *testing.T) {
	var rows []Row
	for i := 0; i < 57; i++ {
		n := 10000 + (i % 23)
		rows = append(rows, Row{
			Area1: "11", Number1: "9" + strconv.Itoa(n) + "000",
			Area2: "21", Number2: strconv.Itoa(n) + "111",
		})
	}
	base, baseStats := NewNormalizer(Options{ChunkSize: 1000}).Normalize(rows)

	for _, size := range []int{1, 2, 7, 23, 56, 57} {
		var calls int
		got, st := NewNormalizer(Options{ChunkSize: size, Progress: func(done, total int, _ Stats) {
			calls++
			assert.LessOrEqual(t, done, total)
		}}).Normalize(rows)
		assert.Equal(t, base, got, "chunk size %d", size)
		assert.Equal(t, baseStats, st, "chunk size %d", size)
		assert.Equal(t, (len(rows)+size-1)/size, calls)
	}
	assert.Len(t, base, 46)
	assert.Equal(t, 68, baseStats.Duplicates)
}

func TestFormatAndMaskFixedLength(t *testing.T) {
	assert.Equal(t, "(41) 99999-8888", Format("5541999998888"))
	assert.Equal(t, "(41) 3333-4444", Format("554133334444"))

	for _, id := range []string{"5541999998888", "554133334444", "5511987654321", "552122223333"} {
		m := Mask(Format(id))
		assert.Len(t, m, 15, id)
		assert.True(t, strings.HasSuffix(m, "XXX-XXXX"), m)
	}
	assert.Equal(t, "(41) 99XXX-XXXX", Redact("5541999998888"))
	assert.Equal(t, "(41) 33XXX-XXXX", Redact("554133334444"))
	assert.Equal(t, "garbage", Mask("garbage"))
}

func TestReadCSV(t *testing.T) {
	in := "Nome,DDD1,Telefone1,ddd2,telefone2\n" +
		"Ana,41,99999-0001,41,3333-4444\n" +
		"\n" +
		"Bia,11,98888-7777,,\n"
	rows, err := Read(strings.NewReader(in), DefaultColumns())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{Line: 2, Name: "Ana", Area1: "41", Number1: "99999-0001", Area2: "41", Number2: "3333-4444"}, rows[0])
	assert.Equal(t, "Bia", rows[1].Name)
	assert.Empty(t, rows[1].Area2)
}

func TestReadCSVInputErrors(t *testing.T) {
	_, err := Read(strings.NewReader(""), DefaultColumns())
	assert.True(t, errors.Is(err, ErrInput))

	_, err = Read(strings.NewReader("ddd1,telefone1\n"), DefaultColumns())
	assert.True(t, errors.Is(err, ErrInput))

	_, err = Read(strings.NewReader("a,b\n1,2\n"), DefaultColumns())
	assert.True(t, errors.Is(err, ErrInput))

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.csv"), DefaultColumns())
	assert.True(t, errors.Is(err, ErrInput))
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("ddd1,telefone1\n41,999990001\n"), 0o600))
	rows, err := ReadFile(path, DefaultColumns())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "999990001", rows[0].Number1)
}

func TestFormatIgnoresPrefixDigits(t *testing.T) {
	assert.Equal(t, "(41) 99999-8888", Format("4441999998888"))
	assert.Equal(t, "(41) 99XXX-XXXX", Redact("4441999998888"))
	assert.Equal(t, "12345", Format("12345"))
}
