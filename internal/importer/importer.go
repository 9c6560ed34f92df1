// Package importer 合作实验室样本处理文件的批量导入
//
// 每个实验室每次最多处理一个 .xlsx：
//
//	<dir>/<f>.xlsx -> <f>.xlsx.processing -> <f>.xlsx.ok | <f>.xlsx.error
//
// 同时把本次处理日志写入 <f>.xlsx.log。重命名是并发导入之间唯一的互斥手段。
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aliquot-sync/internal/config"
	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/ecrf"
	"aliquot-sync/internal/lifecycle"
	"aliquot-sync/internal/logger"

	"go.uber.org/zap"
)

const (
	suffixProcessing = ".processing"
	suffixOK         = ".ok"
	suffixError      = ".error"
	suffixLog        = ".log"
)

// Importer 导入任务
type Importer struct {
	layouts   []config.LabLayout
	baseDir   string
	locations *domain.Locations
	gateway   ecrf.Gateway
	runner    *lifecycle.Runner
	machine   *lifecycle.Machine
	logger    *zap.Logger
}

func New(layouts []config.LabLayout, baseDir string, locations *domain.Locations, gateway ecrf.Gateway,
	runner *lifecycle.Runner, machine *lifecycle.Machine, logger *zap.Logger) *Importer {
	return &Importer{
		layouts:   layouts,
		baseDir:   baseDir,
		locations: locations,
		gateway:   gateway,
		runner:    runner,
		machine:   machine,
		logger:    logger.With(zap.String("component", "importer")),
	}
}

// fileOutcome 单个文件的处理结果，决定 .ok / .error
type fileOutcome struct {
	errors int
}

// Run 依次处理每个实验室；没有任何待处理文件时结果为 IDLE
func (im *Importer) Run(ctx context.Context) *domain.Result {
	result := domain.NewResult()
	files := 0

	for _, lab := range im.layouts {
		if err := ctx.Err(); err != nil {
			return domain.Aborted(err)
		}
		path, err := im.pendingFile(lab)
		if err != nil {
			im.logger.Error("Failed to list import directory", zap.String("lab", lab.Code), zap.Error(err))
			result.Fail("[%s] %v", lab.Code, err)
			continue
		}
		if path == "" {
			continue
		}
		files++
		if err := im.importFile(ctx, lab, path, result); err != nil {
			im.logger.Error("Import aborted",
				zap.String("lab", lab.Code),
				zap.String("file", filepath.Base(path)),
				zap.Error(err),
			)
			return domain.Aborted(err)
		}
	}

	if files == 0 {
		result.Detailf("no pending files")
	}
	return result.Finish("import blood processing data")
}

func (im *Importer) labDir(lab config.LabLayout) string {
	if filepath.IsAbs(lab.Dir) {
		return lab.Dir
	}
	return filepath.Join(im.baseDir, lab.Dir)
}

// pendingFile 目录顺序中的第一个 .xlsx；目录不存在视为没有文件
func (im *Importer) pendingFile(lab config.LabLayout) (string, error) {
	dir := im.labDir(lab)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			im.logger.Debug("Import directory does not exist", zap.String("lab", lab.Code), zap.String("dir", dir))
			return "", nil
		}
		return "", fmt.Errorf("read import directory %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "~$") {
			continue
		}
		if strings.EqualFold(filepath.Ext(name), ".xlsx") {
			return filepath.Join(dir, name), nil
		}
	}
	return "", nil
}

// importFile 只有不可恢复的错误才返回；文件被重命名为 .error 后再返回
func (im *Importer) importFile(ctx context.Context, lab config.LabLayout, path string, result *domain.Result) error {
	name := filepath.Base(path)
	processing := path + suffixProcessing
	if err := os.Rename(path, processing); err != nil {
		im.logger.Error("Failed to claim import file", zap.String("lab", lab.Code), zap.String("file", name), zap.Error(err))
		result.Fail("[%s] %s: cannot claim file: %v", lab.Code, name, err)
		return nil
	}

	log, closeLog, err := logger.WithFile(im.logger, path+suffixLog)
	if err != nil {
		im.logger.Warn("Import log file unavailable", zap.String("file", name), zap.Error(err))
		log, closeLog = im.logger, func() error { return nil }
	}
	defer func() { _ = closeLog() }()
	log = log.With(zap.String("lab", lab.Code), zap.String("file", name))

	started := time.Now()
	log.Info("Import started")

	outcome := &fileOutcome{}
	fatal := im.processFile(ctx, lab, processing, name, log, result, outcome)

	final := path + suffixOK
	if fatal != nil || outcome.errors > 0 {
		final = path + suffixError
	}
	if err := os.Rename(processing, final); err != nil {
		log.Error("Failed to rename processed file", zap.String("target", filepath.Base(final)), zap.Error(err))
		result.Detailf("[%s] %s: could not rename to %s: %v", lab.Code, name, filepath.Base(final), err)
	}

	log.Info("Import finished",
		zap.String("renamed_to", filepath.Base(final)),
		zap.Int("errors", outcome.errors),
		zap.Bool("aborted", fatal != nil),
		zap.Duration("elapsed", time.Since(started)),
	)
	return fatal
}

func (im *Importer) processFile(ctx context.Context, lab config.LabLayout, path, name string, log *zap.Logger,
	result *domain.Result, outcome *fileOutcome) error {
	fileFailed := func(err error) {
		outcome.errors++
		log.Error("File rejected", zap.Error(err))
		result.Fail("[%s] %s: %v", lab.Code, name, err)
	}

	loc, ok := im.locations.ByCode(lab.LocationCode)
	if !ok {
		fileFailed(fmt.Errorf("unknown location %q", lab.LocationCode))
		return nil
	}

	wb, err := OpenWorkbook(path)
	if err != nil {
		fileFailed(err)
		return nil
	}
	rows, err := wb.Rows(lab.Sheet)
	_ = wb.Close()
	if err != nil {
		fileFailed(err)
		return nil
	}
	entries, err := ParseEntries(rows, lab)
	if err != nil {
		fileFailed(err)
		return nil
	}
	log.Info("File parsed", zap.Int("rows", len(rows)), zap.Int("entries", len(entries)))
	if len(entries) == 0 {
		// 文件已处理（会改名为 .ok），结果不能是 IDLE
		result.Skip("[%s] %s: no entries", lab.Code, name)
		return nil
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		label := fmt.Sprintf("[%s] %s %s", lab.Code, name, e.OwnerKey)
		skipped, inserted, patientRef, err := im.processEntry(ctx, lab, loc.ID, e)
		switch {
		case err == nil && skipped:
			log.Info("Entry already imported", zap.String("owner_key", e.OwnerKey))
			result.Skip("%s: already imported", label)
		case err == nil:
			log.Info("Entry imported", zap.String("owner_key", e.OwnerKey), zap.Int("aliquots", inserted))
			result.Success("%s: registered %d aliquots for patient %s", label, inserted, patientRef)
		case domain.IsRecoverable(err):
			outcome.errors++
			log.Warn("Entry failed", zap.String("owner_key", e.OwnerKey), zap.Ints("lines", e.Lines), zap.Error(err))
			result.Fail("%s: %v", label, err)
		default:
			return err
		}
	}
	return nil
}

// processEntry 定位患者表单 -> 全部已存在则跳过 -> 否则在一个事务内登记并回写表单
func (im *Importer) processEntry(ctx context.Context, lab config.LabLayout, locationID int64, e *Entry) (bool, int, string, error) {
	form, err := im.gateway.LocateSampleForm(ctx, ecrf.OwnerKind(lab.OwnerKind), e.OwnerKey)
	if err != nil {
		return false, 0, "", err
	}
	patientRef := form.PatientRef
	if patientRef == "" && ecrf.OwnerKind(lab.OwnerKind) == ecrf.OwnerPatientRef {
		patientRef = e.OwnerKey
	}

	ids := e.AliquotIDs()
	var (
		skipped  bool
		inserted int
	)
	err = im.runner.Do(ctx, nil, func(sc *lifecycle.Scope) error {
		existing, err := sc.Tx.ExistingAliquotIDs(ctx, ids)
		if err != nil {
			return err
		}
		if len(existing) == len(ids) {
			skipped = true
			return nil
		}
		inserted, err = im.machine.RegisterAliquots(ctx, sc, lifecycle.BulkUpdate{
			PatientID:  form.PatientID,
			PatientRef: patientRef,
			FormID:     form.FormID,
			LocationID: locationID,
			Aliquots:   e.Aliquots,
		})
		return err
	})
	return skipped, inserted, patientRef, err
}
