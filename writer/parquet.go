package writer

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"ratesflow/internal/model"
)

const keySep = "\x1f"

// CellRecord is one cell of an aligned table in long format.
type CellRecord struct {
	TimeMs     int64   `parquet:"name=time_ms, type=INT64"`
	KeyColumns string  `parquet:"name=key_columns, type=BYTE_ARRAY, convertedtype=UTF8"`
	Keys       string  `parquet:"name=keys, type=BYTE_ARRAY, convertedtype=UTF8"`
	Column     string  `parquet:"name=column, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value      float64 `parquet:"name=value, type=DOUBLE"`
	Missing    bool    `parquet:"name=missing, type=BOOLEAN"`
}

// memoryFile is an in-memory source.ParquetFile. Open hands out independent
// readers over the same bytes, which the parquet reader needs per column.
type memoryFile struct {
	buf *bytes.Buffer
	r   *bytes.Reader
}

func newMemoryWriter() *memoryFile {
	return &memoryFile{buf: &bytes.Buffer{}}
}

func newMemoryReader(data []byte) *memoryFile {
	return &memoryFile{r: bytes.NewReader(data)}
}

func (m *memoryFile) Create(name string) (source.ParquetFile, error) {
	return newMemoryWriter(), nil
}

func (m *memoryFile) Open(name string) (source.ParquetFile, error) {
	if m.r == nil {
		return newMemoryReader(m.buf.Bytes()), nil
	}
	return &memoryFile{r: bytes.NewReader(m.bytesOfReader())}, nil
}

func (m *memoryFile) bytesOfReader() []byte {
	data := make([]byte, m.r.Size())
	_, _ = m.r.ReadAt(data, 0)
	return data
}

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	if m.r == nil {
		return int64(m.buf.Len()), nil
	}
	return m.r.Seek(offset, whence)
}

func (m *memoryFile) Read(b []byte) (int, error) {
	if m.r == nil {
		return 0, io.EOF
	}
	return m.r.Read(b)
}

func (m *memoryFile) Write(b []byte) (int, error) {
	if m.buf == nil {
		return 0, fmt.Errorf("memory file opened read-only")
	}
	return m.buf.Write(b)
}

func (m *memoryFile) Close() error { return nil }

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

// EncodeTable writes t as long-format parquet, one record per cell. Missing
// cells are kept so all-missing columns survive a round trip.
func EncodeTable(t model.Table, compression string) ([]byte, error) {
	fw := newMemoryWriter()
	pw, err := writer.NewParquetWriter(fw, new(CellRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	keyColumns := strings.Join(t.KeyColumns, keySep)
	for _, r := range t.Rows {
		keys := strings.Join(r.Keys, keySep)
		for i, c := range t.ValueColumns {
			rec := CellRecord{
				TimeMs:     r.Time.UnixMilli(),
				KeyColumns: keyColumns,
				Keys:       keys,
				Column:     c,
				Missing:    true,
			}
			if i < len(r.Values) && !model.IsMissing(r.Values[i]) {
				rec.Value, rec.Missing = r.Values[i], false
			}
			if err := pw.Write(rec); err != nil {
				pw.WriteStop()
				return nil, fmt.Errorf("failed to write parquet record: %w", err)
			}
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.buf.Bytes(), nil
}

// DecodeTable rebuilds a table written by EncodeTable. Column order is the
// order columns first appear in the file.
func DecodeTable(data []byte) (model.Table, error) {
	pr, err := reader.NewParquetReader(newMemoryReader(data), new(CellRecord), 1)
	if err != nil {
		return model.Table{}, fmt.Errorf("failed to open parquet data: %w", err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	recs := make([]CellRecord, n)
	if n > 0 {
		if err := pr.Read(&recs); err != nil {
			return model.Table{}, fmt.Errorf("failed to read parquet records: %w", err)
		}
	}

	var t model.Table
	colIndex := make(map[string]int)
	for _, rec := range recs {
		if t.KeyColumns == nil && rec.KeyColumns != "" {
			t.KeyColumns = strings.Split(rec.KeyColumns, keySep)
		}
		if _, ok := colIndex[rec.Column]; !ok {
			colIndex[rec.Column] = len(t.ValueColumns)
			t.ValueColumns = append(t.ValueColumns, rec.Column)
		}
	}

	rowIndex := make(map[string]int)
	for _, rec := range recs {
		var keys []string
		if rec.Keys != "" || len(t.KeyColumns) > 0 {
			keys = strings.Split(rec.Keys, keySep)
		}
		row := model.Row{Time: time.UnixMilli(rec.TimeMs).UTC(), Keys: keys}
		id := row.ID()
		i, ok := rowIndex[id]
		if !ok {
			row.Values = make([]float64, len(t.ValueColumns))
			for k := range row.Values {
				row.Values[k] = model.Missing()
			}
			i = len(t.Rows)
			rowIndex[id] = i
			t.Rows = append(t.Rows, row)
		}
		if !rec.Missing {
			t.Rows[i].Values[colIndex[rec.Column]] = rec.Value
		}
	}
	return t, nil
}
