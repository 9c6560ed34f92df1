package importer

import (
	"fmt"
	"strings"

	"aliquot-sync/internal/domain"
)

// sampleTypeAliases 实验室文件中出现的样本类型写法（小写、合并空白后匹配）
var sampleTypeAliases = map[string]domain.SampleType{
	"sangre total": domain.SampleWholeBlood,
	"bd":           domain.SampleWholeBlood,
	"wh":           domain.SampleWholeBlood,
	"whole blood":  domain.SampleWholeBlood,

	"plasma":      domain.SamplePlasma,
	"plasma edta": domain.SamplePlasma,
	"pl":          domain.SamplePlasma,

	"mononucleares": domain.SamplePBMC,
	"pm":            domain.SamplePBMC,
	"pb":            domain.SamplePBMC,
	"pbmc":          domain.SamplePBMC,

	"suero": domain.SampleSerum,
	"se":    domain.SampleSerum,
	"serum": domain.SampleSerum,

	"exosomas": domain.SampleExosomes,
	"ex":       domain.SampleExosomes,
	"exosomes": domain.SampleExosomes,
}

// NormalizeSampleType 未知写法返回 ValidationError
func NormalizeSampleType(raw string) (domain.SampleType, error) {
	key := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	if st, ok := sampleTypeAliases[key]; ok {
		return st, nil
	}
	return "", domain.NewValidationError("sample_type", fmt.Sprintf("unrecognized sample type %q", raw))
}
