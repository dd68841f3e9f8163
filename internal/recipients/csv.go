package recipients

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrFileMissing 表示收件人文件不存在。
var ErrFileMissing = errors.New("recipient file missing")

// 行级屏蔽列，值为 "1" 时该行在加载时丢弃。
var flagColumns = []string{"unsubscribe_flag", "bounce_flag", "complaint_flag"}

// LoadCSV 读取带表头的 CSV 文件，Email 列名不区分大小写。
func LoadCSV(path string) ([]Recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrFileMissing, "open %s", path)
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	out, err := ReadCSV(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return out, nil
}

// ReadCSV 解析 CSV 内容。没有 Email 列时报错；空邮箱行被跳过。
func ReadCSV(r io.Reader) ([]Recipient, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}

	emailCol := -1
	flagCols := make([]int, 0, len(flagColumns))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if key == "email" {
			emailCol = i
			continue
		}
		for _, flag := range flagColumns {
			if key == flag {
				flagCols = append(flagCols, i)
			}
		}
	}
	if emailCol < 0 {
		return nil, errors.New("csv header has no Email column")
	}

	var out []Recipient
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read row")
		}
		if emailCol >= len(row) {
			continue
		}
		email := strings.TrimSpace(row[emailCol])
		if email == "" || flagged(row, flagCols) {
			continue
		}
		out = append(out, Recipient{Email: email})
	}
	return out, nil
}

func flagged(row []string, cols []int) bool {
	for _, c := range cols {
		if c < len(row) && strings.TrimSpace(row[c]) == "1" {
			return true
		}
	}
	return false
}
