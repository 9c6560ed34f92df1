package domain

import "strconv"

// Location 实验室/临床中心（参考数据，启动时从配置加载）
// ID 与 eCRF 的 team id 一致
type Location struct {
	ID             int64  `db:"location_id" yaml:"id" json:"id"`
	Code           string `db:"code" yaml:"code" json:"code"`
	Name           string `db:"name" yaml:"name" json:"name"`
	IsLab          bool   `db:"is_lab" yaml:"is_lab" json:"isLab"`
	IsClinicalSite bool   `db:"is_clinical_site" yaml:"is_clinical_site" json:"isClinicalSite"`
}

// Locations 按 ID / Code 查找
type Locations struct {
	byID   map[int64]Location
	byCode map[string]Location
	list   []Location
}

func NewLocations(list []Location) *Locations {
	l := &Locations{
		byID:   make(map[int64]Location, len(list)),
		byCode: make(map[string]Location, len(list)),
	}
	for _, loc := range list {
		l.byID[loc.ID] = loc
		l.byCode[loc.Code] = loc
		l.list = append(l.list, loc)
	}
	return l
}

func (l *Locations) ByID(id int64) (Location, bool) {
	if l == nil {
		return Location{}, false
	}
	loc, ok := l.byID[id]
	return loc, ok
}

func (l *Locations) ByCode(code string) (Location, bool) {
	loc, ok := l.byCode[code]
	return loc, ok
}

func (l *Locations) All() []Location {
	out := make([]Location, len(l.list))
	copy(out, l.list)
	return out
}

// Name 未知 ID 时返回数字本身，便于明细输出
func (l *Locations) Name(id int64) string {
	if l == nil {
		return "location#" + strconv.FormatInt(id, 10)
	}
	if loc, ok := l.byID[id]; ok {
		return loc.Name
	}
	return "location#" + strconv.FormatInt(id, 10)
}
