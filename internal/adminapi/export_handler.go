package adminapi

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/chameleon-cms/chameleon/internal/logger"
	"github.com/chameleon-cms/chameleon/internal/rules"
)

// handleExportUsers processes GET /api/v1/segments/{id}/users.csv.
//
// The export lists every admitted identity of a static segment with one
// diagnostic column per static rule, so an editor can see which rule values
// put each member into the set.
func (a *API) handleExportUsers(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	segID, ok := a.pathID(w, r, "id")
	if !ok {
		return
	}

	seg, err := a.segments.GetSegment(r.Context(), segID)
	if err != nil {
		a.renderStoreError(w, r, err, "segment")
		return
	}

	members, err := a.segments.ListStaticMembers(r.Context(), segID)
	if err != nil {
		a.renderStoreError(w, r, err, "segment members")
		return
	}

	// Only static rules carry per-user diagnostics.
	var providers []rules.UserDataProvider
	for _, rule := range seg.StaticRules() {
		if p, ok := rule.(rules.UserDataProvider); ok {
			providers = append(providers, p)
		}
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", seg.EncodedName()+"-users.csv"))

	cw := csv.NewWriter(w)

	header := make([]string, 0, len(providers)+1)
	for _, p := range providers {
		header = append(header, p.ColumnHeader())
	}
	header = append(header, "username")
	if err := cw.Write(header); err != nil {
		log.Error("csv export write failed", slog.Any("error", err))
		return
	}

	for _, key := range members {
		history, err := a.sessions.Get(r.Context(), key)
		if err != nil {
			log.Warn("csv export: session load failed",
				slog.String("member_key", key),
				slog.Any("error", err),
			)
			continue
		}

		row := make([]string, 0, len(providers)+1)
		for _, p := range providers {
			row = append(row, p.UserValue(history))
		}
		row = append(row, a.memberUsername(r, key))

		if err := cw.Write(row); err != nil {
			log.Error("csv export write failed", slog.Any("error", err))
			return
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		log.Error("csv export flush failed", slog.Any("error", err))
	}
}

// memberUsername maps a membership key back to a display name. Keys of the
// form "user:<id>" belong to authenticated users and resolve through the user
// repository; anonymous cookie keys are exported verbatim.
func (a *API) memberUsername(r *http.Request, key string) string {
	idPart, found := strings.CutPrefix(key, "user:")
	if !found {
		return key
	}

	userID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return key
	}

	user, err := a.users.GetUser(r.Context(), userID)
	if err != nil {
		return key
	}
	return user.Username
}
