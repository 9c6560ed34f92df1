package importer

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Row 以表头为键的一行数据；Line 为 Excel 行号（从 1 开始）
type Row struct {
	Line   int
	Values map[string]string
}

// Get 取列值（去除首尾空白）
func (r Row) Get(column string) string {
	return strings.TrimSpace(r.Values[normalizeHeader(column)])
}

func (r Row) empty() bool {
	for _, v := range r.Values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Workbook 只读打开的 xlsx 文件；日期单元格统一格式化为 YYYY-MM-DD
type Workbook struct {
	f *excelize.File
}

func OpenWorkbook(path string) (*Workbook, error) {
	f, err := excelize.OpenFile(path, excelize.Options{ShortDatePattern: "yyyy-mm-dd"})
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", path, err)
	}
	return &Workbook{f: f}, nil
}

func (w *Workbook) Close() error {
	return w.f.Close()
}

// Rows 读取工作表；sheet 为空时取第一个。第一行为表头，空行跳过
func (w *Workbook) Rows(sheet string) ([]Row, error) {
	if sheet == "" {
		sheet = w.f.GetSheetName(0)
		if sheet == "" {
			return nil, fmt.Errorf("workbook has no sheets")
		}
	}
	rows, err := w.f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = normalizeHeader(h)
	}

	out := make([]Row, 0, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		row := Row{Line: i + 1, Values: make(map[string]string, len(header))}
		for col, name := range header {
			if name == "" || col >= len(rows[i]) {
				continue
			}
			row.Values[name] = rows[i][col]
		}
		if row.empty() {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(h), " "))
}
