package transport

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/process"
)

// handleList serves the filtered, sorted, ranged process list with a weak
// ETag so pollers can cheaply detect "nothing changed".
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.Store().ListProcesses(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	rows, err = applyFilter(rows, r.URL.Query().Get("filter"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := applySort(rows, r.URL.Query().Get("sort")); err != nil {
		s.writeError(w, err)
		return
	}

	total := len(rows)
	start, end, err := parseRange(r.URL.Query().Get("range"), total)
	if err != nil {
		s.writeError(w, err)
		return
	}
	page := rows[start:end]

	etag := listETag(page)
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Range", fmt.Sprintf("processes %d-%d/%d", start, end, total))
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// listETag hashes each row's identity and modification time: 16 id bytes
// followed by the big-endian IEEE-754 double of the unix timestamp.
func listETag(rows []process.Process) string {
	h := crc32.NewIEEE()
	var buf [8]byte
	for _, row := range rows {
		id := row.ID
		h.Write(id[:])
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(float64(row.LastModifiedAt.Unix())))
		h.Write(buf[:])
	}
	return fmt.Sprintf(`W/"%08x"`, h.Sum32())
}

// parseRange decodes "start,end" (inclusive start, exclusive end), clamped
// to the row count.
func parseRange(raw string, total int) (int, int, error) {
	if raw == "" {
		return 0, total, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return 0, 0, errors.Newf(errors.CodeRangeInvalid, "transport", "range must be start,end: %q", raw)
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	end, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || start < 0 || end < start {
		return 0, 0, errors.Newf(errors.CodeRangeInvalid, "transport", "invalid range %q", raw)
	}
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return start, end, nil
}

// applyFilter keeps rows matching every field,value pair.
func applyFilter(rows []process.Process, raw string) ([]process.Process, error) {
	if raw == "" {
		return rows, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts)%2 != 0 {
		return nil, errors.Newf(errors.CodeFilterInvalid, "transport", "filter must be field,value pairs: %q", raw)
	}

	out := rows
	for i := 0; i < len(parts); i += 2 {
		field := strings.TrimSpace(parts[i])
		value := strings.TrimSpace(parts[i+1])
		if _, ok := fieldValue(process.Process{}, field); !ok {
			return nil, errors.Newf(errors.CodeFilterInvalid, "transport", "unknown filter field %q", field)
		}

		kept := out[:0:0]
		for _, row := range out {
			v, _ := fieldValue(row, field)
			if v == value {
				kept = append(kept, row)
			}
		}
		out = kept
	}
	return out, nil
}

// applySort orders rows by field,dir pairs, most significant first.
func applySort(rows []process.Process, raw string) error {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	if len(parts)%2 != 0 {
		return errors.Newf(errors.CodeFilterInvalid, "transport", "sort must be field,dir pairs: %q", raw)
	}

	type key struct {
		field string
		desc  bool
	}
	keys := make([]key, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		field := strings.TrimSpace(parts[i])
		dir := strings.ToUpper(strings.TrimSpace(parts[i+1]))
		if _, ok := fieldValue(process.Process{}, field); !ok {
			return errors.Newf(errors.CodeFilterInvalid, "transport", "unknown sort field %q", field)
		}
		if dir != "ASC" && dir != "DESC" {
			return errors.Newf(errors.CodeFilterInvalid, "transport", "sort direction must be ASC or DESC: %q", dir)
		}
		keys = append(keys, key{field: field, desc: dir == "DESC"})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			a, _ := fieldValue(rows[i], k.field)
			b, _ := fieldValue(rows[j], k.field)
			if a == b {
				continue
			}
			if k.desc {
				return a > b
			}
			return a < b
		}
		return false
	})
	return nil
}

// fieldValue projects one process field to its comparable string form.
func fieldValue(p process.Process, field string) (string, bool) {
	switch field {
	case "process_id":
		return p.ID.String(), true
	case "workflow":
		return p.WorkflowKey, true
	case "last_status":
		return string(p.LastStatus), true
	case "last_step":
		return p.LastStep, true
	case "assignee":
		return p.Assignee, true
	case "is_task":
		return strconv.FormatBool(p.IsTask), true
	case "created_by":
		return p.CreatedBy, true
	case "created_at":
		return p.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"), true
	case "last_modified_at":
		return p.LastModifiedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"), true
	}
	return "", false
}
