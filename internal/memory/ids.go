package memory

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var digitsPattern = regexp.MustCompile(`^\d+$`)

// nextDailyID returns "{YYYY-MM-DD}-{seq}" for table, where seq is one past
// the highest numeric suffix already used today by any agent. Sequences
// are zero-padded to three digits and simply grow wider past 999.
func nextDailyID(ctx context.Context, tx *sql.Tx, table string, now time.Time) (string, error) {
	prefix := now.UTC().Format("2006-01-02") + "-"

	rows, err := tx.QueryContext(ctx, `SELECT id FROM `+table+` WHERE id LIKE ?`, prefix+"%")
	if err != nil {
		return "", fmt.Errorf("scan %s ids: %w", table, err)
	}
	defer rows.Close()

	highest := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("scan %s id: %w", table, err)
		}
		suffix := strings.TrimPrefix(id, prefix)
		if !digitsPattern.MatchString(suffix) {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate %s ids: %w", table, err)
	}
	return fmt.Sprintf("%s%03d", prefix, highest+1), nil
}

func entityID(agent, typ, name string) string {
	return agent + "/" + typ + "s/" + name
}

func principleID(agent, name string) string {
	return agent + "/" + name
}

func summaryID(agent, typ, period string) string {
	return agent + "/" + typ + "s/" + period
}
