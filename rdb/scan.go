package rdb

import (
	"database/sql"

	"github.com/pkg/errors"
)

// scanRecords 读取全部结果行，[]byte 统一转为 string
func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "read columns failed")
	}

	var records []*Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "scan row failed")
		}

		record := &Record{keys: make([]string, 0, len(columns)), values: make(map[string]any, len(columns))}
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			record.Set(col, v)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate rows failed")
	}
	return records, nil
}
