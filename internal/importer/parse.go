package importer

import (
	"fmt"

	"aliquot-sync/internal/config"
	"aliquot-sync/internal/domain"
)

// Entry 文件中一个样本归属键（实验室样本编号或患者编号）下的全部样本
type Entry struct {
	OwnerKey string
	Aliquots map[domain.SampleType][]string
	Lines    []int
}

// AliquotIDs 按样本类型固定顺序展开
func (e *Entry) AliquotIDs() []string {
	var ids []string
	for _, st := range domain.SampleTypes {
		ids = append(ids, e.Aliquots[st]...)
	}
	return ids
}

// ParseEntries 把行映射为 { ownerKey -> { sampleType -> [aliquotId] } }，保持首次出现顺序
// 任何一行的样本类型无法识别或缺少归属键都会使整个文件失败
func ParseEntries(rows []Row, layout config.LabLayout) ([]*Entry, error) {
	index := make(map[string]*Entry)
	seen := make(map[string]string) // aliquotID -> ownerKey
	var entries []*Entry

	for _, row := range rows {
		aliquotID := row.Get(layout.AliquotColumn)
		if aliquotID == "" {
			continue
		}
		owner := row.Get(layout.OwnerColumn)
		if owner == "" {
			return nil, domain.NewValidationError(layout.OwnerColumn,
				fmt.Sprintf("line %d: aliquot %s has no %s", row.Line, aliquotID, layout.OwnerColumn))
		}
		st, err := NormalizeSampleType(row.Get(layout.TypeColumn))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", row.Line, err)
		}
		if prev, ok := seen[aliquotID]; ok {
			if prev != owner {
				return nil, domain.NewValidationError(layout.AliquotColumn,
					fmt.Sprintf("line %d: aliquot %s listed for both %s and %s", row.Line, aliquotID, prev, owner))
			}
			continue
		}
		seen[aliquotID] = owner

		e, ok := index[owner]
		if !ok {
			e = &Entry{OwnerKey: owner, Aliquots: make(map[domain.SampleType][]string)}
			index[owner] = e
			entries = append(entries, e)
		}
		e.Aliquots[st] = append(e.Aliquots[st], aliquotID)
		e.Lines = append(e.Lines, row.Line)
	}
	return entries, nil
}
