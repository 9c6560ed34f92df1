package importer

import (
	"testing"

	"aliquot-sync/internal/config"
	"aliquot-sync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSampleType(t *testing.T) {
	tests := map[string]domain.SampleType{
		"Sangre Total":  domain.SampleWholeBlood,
		"BD":            domain.SampleWholeBlood,
		"wh":            domain.SampleWholeBlood,
		"plasma  EDTA":  domain.SamplePlasma,
		"PL":            domain.SamplePlasma,
		"Mononucleares": domain.SamplePBMC,
		"pm":            domain.SamplePBMC,
		"Pb":            domain.SamplePBMC,
		"Suero":         domain.SampleSerum,
		"se":            domain.SampleSerum,
		"Exosomas":      domain.SampleExosomes,
	}
	for raw, want := range tests {
		got, err := NormalizeSampleType(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := NormalizeSampleType("orina")
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func row(line int, owner, typ, aliquot string) Row {
	return Row{Line: line, Values: map[string]string{
		"paciente": owner,
		"tipo":     typ,
		"alícuota": aliquot,
	}}
}

func husal() config.LabLayout {
	return config.DefaultLabLayouts()[1]
}

func TestParseEntries_GroupsByOwnerAndType(t *testing.T) {
	rows := []Row{
		row(2, "REF-1", "plasma", "PL-1"),
		row(3, "REF-2", "se", "SE-2"),
		row(4, "REF-1", "pl", "PL-2"),
		row(5, "REF-1", "suero", "SE-1"),
		row(6, "REF-1", "plasma", "PL-1"), // 重复行
		row(7, "REF-3", "", ""),           // 无样本编号
	}

	entries, err := ParseEntries(rows, husal())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "REF-1", entries[0].OwnerKey)
	assert.Equal(t, []string{"PL-1", "PL-2"}, entries[0].Aliquots[domain.SamplePlasma])
	assert.Equal(t, []string{"SE-1"}, entries[0].Aliquots[domain.SampleSerum])
	assert.Equal(t, []string{"PL-1", "PL-2", "SE-1"}, entries[0].AliquotIDs())
	assert.Equal(t, []int{2, 4, 5}, entries[0].Lines)
	assert.Equal(t, "REF-2", entries[1].OwnerKey)
}

func TestParseEntries_FileLevelErrors(t *testing.T) {
	tests := []struct {
		name string
		rows []Row
		msg  string
	}{
		{"unknown type", []Row{row(2, "REF-1", "plasma", "PL-1"), row(3, "REF-1", "saliva", "SA-1")}, "line 3"},
		{"missing owner", []Row{row(2, "", "plasma", "PL-1")}, "has no Paciente"},
		{"aliquot with two owners", []Row{row(2, "REF-1", "plasma", "PL-1"), row(3, "REF-2", "plasma", "PL-1")}, "listed for both"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEntries(tt.rows, husal())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
			assert.True(t, domain.IsRecoverable(err))
		})
	}
}

func TestRowGet_HeaderIsCaseAndSpaceInsensitive(t *testing.T) {
	r := Row{Values: map[string]string{normalizeHeader("  Código   Muestra "): " M-1 "}}
	assert.Equal(t, "M-1", r.Get("código muestra"))
}
