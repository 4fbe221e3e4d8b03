package loader

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-assistant/pkg"
)

func TestLoad_Table(t *testing.T) {
	input := "test,value,unit\nglucose,180,mg/dL\nhba1c,7.9,%\n"

	res, err := Load(strings.NewReader(input), pkg.KindTable, Options{Filename: "labs.csv"})

	require.NoError(t, err)
	require.NotNil(t, res.Table)
	assert.Equal(t, []string{"test", "value", "unit"}, res.Table.Header)
	assert.Equal(t, [][]string{{"glucose", "180", "mg/dL"}, {"hba1c", "7.9", "%"}}, res.Table.Rows)
	assert.Equal(t, pkg.KindTable, res.Record.Kind)
	assert.Equal(t, "labs.csv", res.Record.Filename)
	assert.Equal(t, input, res.Record.Text)
}

func TestLoad_TableRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
		comma rune
	}{
		{name: "simple", input: "glucose\n180\n90\n", comma: ','},
		{name: "quoted comma", input: "test,comment\nldl,\"high, recheck\"\n", comma: ','},
		{name: "embedded quote", input: "test,comment\nalt,\"said \"\"fasting\"\"\"\n", comma: ','},
		{name: "multiline field", input: "test,comment\nck,\"line one\nline two\"\n", comma: ','},
		{name: "tab delimited", input: "test\tvalue\nsodium\t139\npotassium\t5.9\n", comma: '\t'},
		{name: "crlf input", input: "test,value\r\ncrp,12\r\n", comma: ','},
		{name: "unicode", input: "analyse,valeur\nhémoglobine,13.2\n", comma: ','},
		{name: "single column empty cell", input: "glucose\n180\n\"\"\n90\n", comma: ','},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Load(strings.NewReader(tt.input), pkg.KindTable, Options{Comma: tt.comma})
			require.NoError(t, err)

			reparsed, err := ParseTable([]byte(res.Record.Text), ',')
			require.NoError(t, err)
			assert.Equal(t, res.Table.Header, reparsed.Header)
			assert.Equal(t, res.Table.Rows, reparsed.Rows)
		})
	}
}

func TestCanonical_SingleEmptyField(t *testing.T) {
	res, err := Load(strings.NewReader("glucose\n180\n\"\"\n90\n"), pkg.KindTable, Options{})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"180"}, {""}, {"90"}}, res.Table.Rows)
	assert.Equal(t, "glucose\n180\n\"\"\n90\n", res.Record.Text)

	table, err := TableFromRecord(&res.Record)
	require.NoError(t, err)
	assert.Len(t, table.Rows, 3)
}

func TestLoad_TableErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "ragged rows", input: "a,b\n1,2\n3\n"},
		{name: "empty", input: ""},
		{name: "bare quote", input: "a,b\n1,\"2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Load(strings.NewReader(tt.input), pkg.KindTable, Options{})
			assert.Nil(t, res)
			var perr *pkg.ParseError
			require.ErrorAs(t, err, &perr)
		})
	}
}

func TestLoad_RaggedRowReportsLine(t *testing.T) {
	_, err := Load(strings.NewReader("a,b\n1,2\n3\n"), pkg.KindTable, Options{})

	var perr *pkg.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Line)
}

func TestLoad_Text(t *testing.T) {
	input := "Patient: 54 y/o\nTroponin I: 0.8 ng/mL\n"

	res, err := Load(strings.NewReader(input), pkg.KindText, Options{Filename: "notes.txt"})

	require.NoError(t, err)
	assert.Nil(t, res.Table)
	assert.Equal(t, input, res.Record.Text)
	assert.Equal(t, pkg.KindText, res.Record.Kind)
}

func TestLoad_InvalidUTF8(t *testing.T) {
	input := []byte("ok\xff\xfe")

	for _, kind := range []pkg.ContentKind{pkg.KindText, pkg.KindTable} {
		res, err := Load(bytes.NewReader(input), kind, Options{})
		assert.Nil(t, res)
		var derr *pkg.DecodeError
		require.ErrorAs(t, err, &derr, "kind %s", kind)
		assert.Equal(t, 2, derr.Offset)
	}
}

func TestLoad_StripsBOM(t *testing.T) {
	input := append([]byte{0xEF, 0xBB, 0xBF}, []byte("test,value\ncrp,3\n")...)

	res, err := Load(bytes.NewReader(input), pkg.KindTable, Options{})

	require.NoError(t, err)
	assert.Equal(t, "test", res.Table.Header[0])
}

func TestLoad_TooLarge(t *testing.T) {
	res, err := Load(strings.NewReader(strings.Repeat("x", 11)), pkg.KindText, Options{MaxBytes: 10})

	assert.Nil(t, res)
	var terr *pkg.UploadTooLargeError
	require.ErrorAs(t, err, &terr)
	assert.EqualValues(t, 10, terr.Limit)
}

func TestKindFromUpload(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		declared    string
		wantKind    pkg.ContentKind
		wantComma   rune
		wantErr     bool
	}{
		{name: "csv extension", filename: "labs.csv", wantKind: pkg.KindTable, wantComma: ','},
		{name: "tsv extension", filename: "labs.TSV", wantKind: pkg.KindTable, wantComma: '\t'},
		{name: "csv content type", filename: "upload", contentType: "text/csv; charset=utf-8", wantKind: pkg.KindTable, wantComma: ','},
		{name: "text file", filename: "notes.txt", contentType: "text/plain", wantKind: pkg.KindText, wantComma: ','},
		{name: "declared text wins", filename: "labs.csv", declared: "text", wantKind: pkg.KindText, wantComma: ','},
		{name: "declared table", filename: "labs.txt", declared: "table", wantKind: pkg.KindTable, wantComma: ','},
		{name: "unknown declaration", filename: "labs.csv", declared: "xlsx", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, comma, err := KindFromUpload(tt.filename, tt.contentType, tt.declared)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantComma, comma)
		})
	}
}

func TestTableFromRecord(t *testing.T) {
	table, err := TableFromRecord(&pkg.PatientRecord{Kind: pkg.KindTable, Text: "glucose\n180\n90\n"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"180"}, {"90"}}, table.Rows)

	table, err = TableFromRecord(&pkg.PatientRecord{Kind: pkg.KindText, Text: "free text"})
	require.NoError(t, err)
	assert.Nil(t, table)
}
