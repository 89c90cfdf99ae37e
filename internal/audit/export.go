package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"custodia.org/internal/access"
	"custodia.org/internal/errs"
	"custodia.org/internal/obs"
)

// exportColumns is the fixed column order of the tabular export.
var exportColumns = []string{
	"timestamp", "actor", "action", "resourceType", "resourceId",
	"orgId", "ip", "userAgent", "metadata",
}

const exportPageSize = 1000

// Export renders the filtered entries as CSV. The row count is checked
// against the cap before any output is generated; the export action is
// audited after that check so its own entry is never counted against the
// limit of the run that produced it. Generation is cancellable: either a
// complete result is returned or none.
func (s *Service) Export(ctx context.Context, actor access.Actor, filter Filter) (Export, error) {
	if err := s.engine.Require(actor.Role, access.PermAuditExport); err != nil {
		obs.CountPermissionDenied(string(access.PermAuditExport))
		return Export{}, err
	}
	scoped, err := s.scopeFilter(actor, filter)
	if err != nil {
		return Export{}, err
	}

	total, err := s.store.Count(ctx, scoped)
	if err != nil {
		return Export{}, err
	}
	if total > s.exportCap {
		return Export{}, fmt.Errorf("%w: export matches %d rows, cap is %d; narrow the filters",
			errs.ErrCapacity, total, s.exportCap)
	}

	s.Log(ctx, Entry{
		ActorID:      actor.UserID,
		OrgID:        actor.OrgID,
		Action:       "audit.export",
		ResourceType: "audit_log",
		Metadata:     map[string]string{"rows": strconv.Itoa(total)},
	})

	redactAll := !s.engine.Has(actor.Role, access.PermAuditMetadata)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportColumns); err != nil {
		return Export{}, err
	}

	scoped.PageSize = exportPageSize
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return Export{}, err
		}
		scoped.Page = page
		entries, err := s.store.Query(ctx, scoped)
		if err != nil {
			return Export{}, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if redactAll {
				e.Metadata = s.redact(e.Metadata)
			}
			if err := w.Write(exportRow(e)); err != nil {
				return Export{}, err
			}
		}
		if len(entries) < exportPageSize {
			break
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Export{}, err
	}
	return Export{Data: buf.Bytes(), MIMEType: "text/csv"}, nil
}

func exportRow(e Entry) []string {
	meta := "{}"
	if len(e.Metadata) > 0 {
		if data, err := json.Marshal(e.Metadata); err == nil {
			meta = string(data)
		}
	}
	return []string{
		e.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		e.ActorID,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		e.OrgID,
		e.IP,
		e.UserAgent,
		meta,
	}
}
