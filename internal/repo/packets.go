package repo

import (
	"context"
	"database/sql"
	"time"

	"trail/internal/domain"
)

const packetColumns = `packet_id,task_id,workspace_id,status,hash_chain_root,root_sequence,ai_summary,share_token,delivery_warning,created_at,updated_at,closed_at,exported_at`

func scanPacket(row scanner) (domain.ProofPacket, error) {
	var p domain.ProofPacket
	var status, createdAt, updatedAt string
	var root, summary, token, warning, closedAt, exportedAt sql.NullString
	var rootSeq sql.NullInt64
	err := row.Scan(&p.ID, &p.TaskID, &p.WorkspaceID, &status, &root, &rootSeq, &summary, &token, &warning, &createdAt, &updatedAt, &closedAt, &exportedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.PacketStatus(status)
	p.HashChainRoot = root.String
	p.RootSequence = rootSeq.Int64
	p.AISummary = summary.String
	p.ShareToken = token.String
	p.DeliveryWarning = warning.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.ClosedAt = parseNullTime(closedAt)
	p.ExportedAt = parseNullTime(exportedAt)
	return p, nil
}

func nullableSeq(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func (r Repo) InsertPacketTx(ctx context.Context, tx *sql.Tx, p domain.ProofPacket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proof_packets(`+packetColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TaskID, p.WorkspaceID, string(p.Status), nullable(p.HashChainRoot), nullableSeq(p.RootSequence),
		nullable(p.AISummary), nullable(p.ShareToken), nullable(p.DeliveryWarning),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), nullableTime(p.ClosedAt), nullableTime(p.ExportedAt))
	return err
}

// UpdatePacketStatusTx writes a forward transition guarded by the status the
// caller read; it reports false when the row moved in between.
func (r Repo) UpdatePacketStatusTx(ctx context.Context, tx *sql.Tx, p domain.ProofPacket, from domain.PacketStatus) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE proof_packets SET status=?, hash_chain_root=?, root_sequence=?, share_token=?, updated_at=?, closed_at=?, exported_at=? WHERE packet_id=? AND status=?`,
		string(p.Status), nullable(p.HashChainRoot), nullableSeq(p.RootSequence), nullable(p.ShareToken),
		formatTime(p.UpdatedAt), nullableTime(p.ClosedAt), nullableTime(p.ExportedAt), p.ID, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetPacket(ctx context.Context, packetID string) (domain.ProofPacket, error) {
	return scanPacket(r.DB.QueryRowContext(ctx, `SELECT `+packetColumns+` FROM proof_packets WHERE packet_id=?`, packetID))
}

func (r Repo) GetPacketTx(ctx context.Context, tx *sql.Tx, packetID string) (domain.ProofPacket, error) {
	return scanPacket(tx.QueryRowContext(ctx, `SELECT `+packetColumns+` FROM proof_packets WHERE packet_id=?`, packetID))
}

func (r Repo) GetPacketByTask(ctx context.Context, taskID string) (domain.ProofPacket, error) {
	return scanPacket(r.DB.QueryRowContext(ctx, `SELECT `+packetColumns+` FROM proof_packets WHERE task_id=?`, taskID))
}

func (r Repo) GetPacketByTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.ProofPacket, error) {
	return scanPacket(tx.QueryRowContext(ctx, `SELECT `+packetColumns+` FROM proof_packets WHERE task_id=?`, taskID))
}

func (r Repo) GetPacketByShareToken(ctx context.Context, token string) (domain.ProofPacket, error) {
	return scanPacket(r.DB.QueryRowContext(ctx, `SELECT `+packetColumns+` FROM proof_packets WHERE share_token=?`, token))
}

type PacketFilters struct {
	WorkspaceID string
	Status      string
	Limit       int
}

func (r Repo) ListPackets(ctx context.Context, f PacketFilters) ([]domain.ProofPacket, error) {
	query := `SELECT ` + packetColumns + ` FROM proof_packets WHERE 1=1`
	var args []any
	if f.WorkspaceID != "" {
		query += ` AND workspace_id=?`
		args = append(args, f.WorkspaceID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY updated_at DESC, packet_id ASC LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 50, 500))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProofPacket
	for rows.Next() {
		p, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetPacketSummary(ctx context.Context, packetID, summary string, now time.Time) error {
	return r.updatePacketField(ctx, `ai_summary`, packetID, summary, now)
}

func (r Repo) SetPacketDeliveryWarning(ctx context.Context, packetID, warning string, now time.Time) error {
	return r.updatePacketField(ctx, `delivery_warning`, packetID, warning, now)
}

func (r Repo) updatePacketField(ctx context.Context, column, packetID, value string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE proof_packets SET `+column+`=?, updated_at=? WHERE packet_id=?`, nullable(value), formatTime(now), packetID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
