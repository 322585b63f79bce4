package sqlkv

import "fmt"

type queries struct {
	get       string
	set       string
	insert    string
	del       string
	scan      string
	scanOpen  string // scan without an upper bound
	sequence  string
	lock      string // postgres only
	lockShare string // postgres only
}

func buildQueries(dialect Dialect, table string) queries {
	p := func(n int) string {
		if dialect == DialectPostgres {
			return fmt.Sprintf("$%d", n)
		}
		return "?"
	}

	q := queries{
		get: fmt.Sprintf("SELECT v FROM %s WHERE k = %s", table, p(1)),
		set: fmt.Sprintf(
			"INSERT INTO %s (k, v) VALUES (%s, %s) ON CONFLICT (k) DO UPDATE SET v = excluded.v",
			table, p(1), p(2)),
		insert: fmt.Sprintf(
			"INSERT INTO %s (k, v) VALUES (%s, %s) ON CONFLICT (k) DO NOTHING",
			table, p(1), p(2)),
		del:      fmt.Sprintf("DELETE FROM %s WHERE k = %s", table, p(1)),
		scan:     fmt.Sprintf("SELECT k, v FROM %s WHERE k >= %s AND k < %s ORDER BY k", table, p(1), p(2)),
		scanOpen: fmt.Sprintf("SELECT k, v FROM %s WHERE k >= %s ORDER BY k", table, p(1)),
		sequence: fmt.Sprintf(
			"INSERT INTO %[1]s_seq (name, value) VALUES (%[2]s, 1) "+
				"ON CONFLICT (name) DO UPDATE SET value = %[1]s_seq.value + 1 RETURNING value",
			table, p(1)),
	}
	if dialect == DialectPostgres {
		q.lock = "SELECT pg_advisory_xact_lock($1, $2)"
		q.lockShare = "SELECT pg_advisory_xact_lock_shared($1, $2)"
	}
	return q
}
