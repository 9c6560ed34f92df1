package config

import (
	"fmt"
	"os"
	"strings"

	"aliquot-sync/internal/domain"

	"gopkg.in/yaml.v3"
)

// LabLayout 合作实验室导入文件的列布局
type LabLayout struct {
	Code         string `yaml:"code"`
	LocationCode string `yaml:"location_code"` // 样本登记到的 Location
	Dir          string `yaml:"dir"`           // 相对 IMPORT_BASE_DIR，或绝对路径
	Sheet        string `yaml:"sheet"`         // 为空时取第一个工作表

	OwnerColumn   string `yaml:"owner_column"`
	OwnerKind     string `yaml:"owner_kind"` // LAB_SAMPLE_ID | PATIENT_REF
	TypeColumn    string `yaml:"type_column"`
	AliquotColumn string `yaml:"aliquot_column"`
}

func (l LabLayout) Validate() error {
	missing := func(field string) error {
		return domain.NewValidationError(field, fmt.Sprintf("lab %q: %s is required", l.Code, field))
	}
	switch {
	case l.Code == "":
		return missing("code")
	case l.LocationCode == "":
		return missing("location_code")
	case l.Dir == "":
		return missing("dir")
	case l.OwnerColumn == "":
		return missing("owner_column")
	case l.TypeColumn == "":
		return missing("type_column")
	case l.AliquotColumn == "":
		return missing("aliquot_column")
	}
	switch l.OwnerKind {
	case "LAB_SAMPLE_ID", "PATIENT_REF":
		return nil
	}
	return domain.NewValidationError("owner_kind", fmt.Sprintf("lab %q: unknown owner kind %q", l.Code, l.OwnerKind))
}

// DefaultLabLayouts 内置的两个合作实验室
func DefaultLabLayouts() []LabLayout {
	return []LabLayout{
		{
			Code:          "IBSAL",
			LocationCode:  "IBSAL",
			Dir:           "ibsal",
			OwnerColumn:   "Código muestra",
			OwnerKind:     "LAB_SAMPLE_ID",
			TypeColumn:    "Tipo muestra",
			AliquotColumn: "Código alícuota",
		},
		{
			Code:          "HUSAL",
			LocationCode:  "HUSAL",
			Dir:           "husal",
			OwnerColumn:   "Paciente",
			OwnerKind:     "PATIENT_REF",
			TypeColumn:    "Tipo",
			AliquotColumn: "Alícuota",
		},
	}
}

type locationsFile struct {
	Locations []domain.Location `yaml:"locations"`
}

// LoadLocations 读取 Location 参考数据；ID 与 code 必须唯一
func LoadLocations(path string) ([]domain.Location, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read locations file: %w", err)
	}
	var f locationsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse locations file %s: %w", path, err)
	}
	if len(f.Locations) == 0 {
		return nil, fmt.Errorf("locations file %s defines no locations", path)
	}

	ids := make(map[int64]bool, len(f.Locations))
	codes := make(map[string]bool, len(f.Locations))
	for i := range f.Locations {
		loc := &f.Locations[i]
		loc.Code = strings.TrimSpace(loc.Code)
		if loc.ID <= 0 || loc.Code == "" {
			return nil, fmt.Errorf("locations file %s: entry %d needs a positive id and a code", path, i+1)
		}
		if ids[loc.ID] || codes[loc.Code] {
			return nil, fmt.Errorf("locations file %s: duplicate location %d/%s", path, loc.ID, loc.Code)
		}
		ids[loc.ID], codes[loc.Code] = true, true
	}
	return f.Locations, nil
}

type labsFile struct {
	Labs []LabLayout `yaml:"labs"`
}

// LoadLabLayouts path 为空时返回内置布局；文件中的同 code 布局覆盖内置布局，其余追加
func LoadLabLayouts(path string) ([]LabLayout, error) {
	layouts := DefaultLabLayouts()
	if path == "" {
		return layouts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labs file: %w", err)
	}
	var f labsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse labs file %s: %w", path, err)
	}

	for _, override := range f.Labs {
		if err := override.Validate(); err != nil {
			return nil, err
		}
		replaced := false
		for i := range layouts {
			if layouts[i].Code == override.Code {
				layouts[i] = override
				replaced = true
				break
			}
		}
		if !replaced {
			layouts = append(layouts, override)
		}
	}
	return layouts, nil
}
