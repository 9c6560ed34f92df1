package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"aliquot-sync/internal/config"
	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/ecrf"
	"aliquot-sync/internal/ecrf/ecrftest"
	"aliquot-sync/internal/lifecycle"
	"aliquot-sync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

var ibsalHeader = []any{"Código muestra", "Tipo muestra", "Código alícuota", "Observaciones"}

func writeWorkbook(t *testing.T, path string, rows ...[]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	require.NoError(t, f.SaveAs(path))
}

type importFixture struct {
	dir      string
	labDir   string
	store    *repository.MemoryStore
	gateway  *ecrftest.Fake
	importer *Importer
}

func newImportFixture(t *testing.T, store repository.Store) *importFixture {
	t.Helper()
	base := t.TempDir()
	labDir := filepath.Join(base, "ibsal")
	require.NoError(t, os.MkdirAll(labDir, 0o755))

	locations := domain.NewLocations([]domain.Location{
		{ID: 10, Code: "IBSAL", Name: "IBSAL", IsLab: true},
		{ID: 20, Code: "HUSAL", Name: "HUSAL", IsLab: true},
	})
	gateway := ecrftest.New(10)
	gateway.AddSampleForm(ecrf.OwnerLabSampleID, "M-100", ecrf.FormMetadata{FormID: "F1", PatientID: "P1", PatientRef: "REF-1"})
	gateway.AddSampleForm(ecrf.OwnerLabSampleID, "M-200", ecrf.FormMetadata{FormID: "F2", PatientID: "P2", PatientRef: "REF-2"})

	mem, _ := store.(*repository.MemoryStore)
	if store == nil {
		mem = repository.NewMemoryStore()
		store = mem
	}
	machine := lifecycle.NewMachine(locations, nil, zap.NewNop())
	runner := lifecycle.NewRunner(store, gateway)

	return &importFixture{
		dir:      base,
		labDir:   labDir,
		store:    mem,
		gateway:  gateway,
		importer: New(config.DefaultLabLayouts(), base, locations, gateway, runner, machine, zap.NewNop()),
	}
}

func (f *importFixture) aliquot(t *testing.T, id string) (*domain.Aliquot, error) {
	t.Helper()
	var a *domain.Aliquot
	err := f.store.InTx(context.Background(), func(tx repository.Tx) error {
		var err error
		a, err = tx.GetAliquot(context.Background(), id, false)
		return err
	})
	return a, err
}

func standardRows() [][]any {
	return [][]any{
		ibsalHeader,
		{"M-100", "Plasma EDTA", "PL-1", ""},
		{"M-100", " SUERO ", "SE-1", "hemolizado"},
		{"M-200", "pb", "PB-1", ""},
		{"", "", "", ""},
	}
}

func TestImport_RegistersAndRenames(t *testing.T) {
	f := newImportFixture(t, nil)
	path := filepath.Join(f.labDir, "lab_2026_03.xlsx")
	writeWorkbook(t, path, standardRows()...)

	result := f.importer.Run(context.Background())

	assert.Equal(t, domain.ResultSuccess, result.Status, result.Details)
	assert.Equal(t, 2, result.NumSuccessful)
	assert.Equal(t, 0, result.NumErrors)
	assert.FileExists(t, path+".ok")
	assert.FileExists(t, path+".log")
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".processing")

	a, err := f.aliquot(t, "SE-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SampleSerum, a.SampleType)
	assert.Equal(t, int64(10), a.LocationID)
	assert.Equal(t, "P1", a.PatientID)
	assert.Equal(t, domain.AliquotAvailable, a.Status)

	require.Len(t, f.gateway.FormUpdates["F1"], 2)
	assert.Equal(t, "plasma_aliquots", f.gateway.FormUpdates["F1"][0].Name)

	logData, err := os.ReadFile(path + ".log")
	require.NoError(t, err)
	assert.Contains(t, string(logData), "Entry imported")
}

func TestImport_SameContentUnderNewNameIsSkipped(t *testing.T) {
	f := newImportFixture(t, nil)
	writeWorkbook(t, filepath.Join(f.labDir, "march.xlsx"), standardRows()...)
	require.Equal(t, domain.ResultSuccess, f.importer.Run(context.Background()).Status)

	renamed := filepath.Join(f.labDir, "march_resent.xlsx")
	writeWorkbook(t, renamed, standardRows()...)

	result := f.importer.Run(context.Background())
	assert.Equal(t, domain.ResultSuccess, result.Status)
	assert.Equal(t, 2, result.NumSkipped)
	assert.Equal(t, 0, result.NumSuccessful)
	assert.FileExists(t, renamed+".ok")
	assert.Len(t, f.gateway.FormUpdates["F1"], 2)

	assert.Equal(t, domain.ResultIdle, f.importer.Run(context.Background()).Status)
}

func TestImport_UnknownSampleTypeRejectsWholeFile(t *testing.T) {
	f := newImportFixture(t, nil)
	path := filepath.Join(f.labDir, "bad.xlsx")
	writeWorkbook(t, path,
		ibsalHeader,
		[]any{"M-100", "plasma", "PL-1"},
		[]any{"M-200", "saliva", "SA-1"},
	)

	result := f.importer.Run(context.Background())

	assert.Equal(t, domain.ResultError, result.Status)
	assert.Equal(t, 1, result.NumErrors)
	assert.Contains(t, result.Details[0], "saliva")
	assert.FileExists(t, path+".error")

	_, err := f.aliquot(t, "PL-1")
	assert.True(t, domain.IsNotFound(err))
}

func TestImport_EntryErrorsDoNotStopFile(t *testing.T) {
	f := newImportFixture(t, nil)
	path := filepath.Join(f.labDir, "partial.xlsx")
	writeWorkbook(t, path,
		ibsalHeader,
		[]any{"M-999", "plasma", "PL-9"},
		[]any{"M-100", "plasma", "PL-1"},
	)

	result := f.importer.Run(context.Background())

	assert.Equal(t, domain.ResultError, result.Status)
	assert.Equal(t, 1, result.NumErrors)
	assert.Equal(t, 1, result.NumSuccessful)
	assert.FileExists(t, path+".error")
	_, err := f.aliquot(t, "PL-1")
	assert.NoError(t, err)
}

func TestImport_OneFilePerLabPerRun(t *testing.T) {
	f := newImportFixture(t, nil)
	writeWorkbook(t, filepath.Join(f.labDir, "a.xlsx"), ibsalHeader, []any{"M-100", "plasma", "PL-1"})
	writeWorkbook(t, filepath.Join(f.labDir, "b.xlsx"), ibsalHeader, []any{"M-200", "plasma", "PL-2"})
	require.NoError(t, os.WriteFile(filepath.Join(f.labDir, "notes.txt"), []byte("x"), 0o644))

	first := f.importer.Run(context.Background())
	assert.Equal(t, 1, first.NumSuccessful)
	assert.FileExists(t, filepath.Join(f.labDir, "a.xlsx.ok"))
	assert.FileExists(t, filepath.Join(f.labDir, "b.xlsx"))

	second := f.importer.Run(context.Background())
	assert.Equal(t, 1, second.NumSuccessful)
	assert.FileExists(t, filepath.Join(f.labDir, "b.xlsx.ok"))
}

func TestImport_HeaderOnlyFileIsProcessed(t *testing.T) {
	f := newImportFixture(t, nil)
	path := filepath.Join(f.labDir, "empty_week.xlsx")
	writeWorkbook(t, path, ibsalHeader, []any{"", "", "", ""})

	result := f.importer.Run(context.Background())

	assert.Equal(t, domain.ResultSuccess, result.Status, result.Details)
	assert.Equal(t, 1, result.NumSkipped)
	assert.Equal(t, 0, result.NumErrors)
	require.Len(t, result.Details, 1)
	assert.Contains(t, result.Details[0], "no entries")
	assert.FileExists(t, path+".ok")
	assert.NoFileExists(t, path)

	// 之后目录里没有待处理文件
	assert.Equal(t, domain.ResultIdle, f.importer.Run(context.Background()).Status)
}

func TestImport_NoFilesIsIdle(t *testing.T) {
	f := newImportFixture(t, nil)
	result := f.importer.Run(context.Background())
	assert.Equal(t, domain.ResultIdle, result.Status)
	assert.Equal(t, []string{"no pending files"}, result.Details)
}

// brokenStore ExistingAliquotIDs 返回存储错误
type brokenStore struct {
	inner *repository.MemoryStore
}

type brokenTx struct {
	repository.Tx
}

func (brokenTx) ExistingAliquotIDs(context.Context, []string) ([]string, error) {
	return nil, &domain.StorageError{Code: "08006", Message: "connection failure"}
}

func (s *brokenStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.inner.InTx(ctx, func(tx repository.Tx) error { return fn(brokenTx{tx}) })
}

func TestImport_StorageErrorAbortsJob(t *testing.T) {
	f := newImportFixture(t, &brokenStore{inner: repository.NewMemoryStore()})
	path := filepath.Join(f.labDir, "x.xlsx")
	writeWorkbook(t, path, standardRows()...)

	result := f.importer.Run(context.Background())

	assert.Equal(t, domain.ResultError, result.Status)
	assert.Contains(t, result.Message, "connection failure")
	assert.FileExists(t, path+".error")
}
