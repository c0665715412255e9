package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name, email=EXCLUDED.email, updated_at=NOW()
	`, user.ID, user.DisplayName, user.Email)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUsers(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal user ids: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, created_at, updated_at
		FROM users
		WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))
	`, string(idsJSON))
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0, len(ids))
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.DisplayName, &item.Email, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

const documentColumns = `id, title, owner_id, is_public, content, crdt_state, sync_mode, version, last_edited_by, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var item Document
	var syncMode string
	if err := row.Scan(
		&item.ID,
		&item.Title,
		&item.OwnerID,
		&item.IsPublic,
		&item.Content,
		&item.State,
		&syncMode,
		&item.Version,
		&item.LastEditedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Document{}, err
	}
	item.SyncMode = SyncMode(syncMode)
	return item, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var item User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at, updated_at
		FROM users
		WHERE email <> '' AND lower(email) = lower($1)
		ORDER BY created_at
		LIMIT 1
	`, email).Scan(&item.ID, &item.DisplayName, &item.Email, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user with email %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	item, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, fmt.Errorf("get document %s: %w", documentID, ErrNotFound)
		}
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	collaborators, err := s.listCollaborators(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	item.Collaborators = collaborators
	return item, nil
}

func (s *PostgresStore) listCollaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, permission, added_at
		FROM document_collaborators
		WHERE document_id=$1
		ORDER BY added_at ASC, user_id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var item Collaborator
		var permission string
		if err := rows.Scan(&item.UserID, &permission, &item.AddedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		item.Permission = Permission(permission)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

// ListDocumentsForUser returns documents the user owns, collaborates on, or
// that are public. Collaborator lists are not loaded.
func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents d
		WHERE d.owner_id=$1
		   OR d.is_public
		   OR EXISTS (SELECT 1 FROM document_collaborators c WHERE c.document_id=d.id AND c.user_id=$1)
		ORDER BY d.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	version := doc.Version
	if version == 0 {
		version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, owner_id, is_public, content, sync_mode, version, last_edited_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, doc.ID, doc.Title, doc.OwnerID, doc.IsPublic, doc.Content, string(doc.SyncMode), version, doc.LastEditedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// DeleteDocument relies on ON DELETE CASCADE for collaborators, comments
// and replies.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete document rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateDocumentMeta(ctx context.Context, documentID, title string, isPublic bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET title=$2, is_public=$3, updated_at=NOW() WHERE id=$1
	`, documentID, title, isPublic)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireAffected(result, "update document")
}

// SaveContent persists a content-mode snapshot. Writes carrying a version
// not newer than the stored one are ignored.
func (s *PostgresStore) SaveContent(ctx context.Context, documentID, content string, version int64, editedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET content=$2, sync_mode='content', version=$3, last_edited_by=$4, updated_at=NOW()
		WHERE id=$1 AND version < $3
	`, documentID, content, version, editedBy)
	if err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	return nil
}

// SaveState persists the encoded replica state of a CRDT-mode document.
func (s *PostgresStore) SaveState(ctx context.Context, documentID string, state []byte, version int64, editedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET crdt_state=$2, sync_mode='crdt', version=$3, last_edited_by=$4, updated_at=NOW()
		WHERE id=$1 AND version < $3
	`, documentID, state, version, editedBy)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertCollaborator(ctx context.Context, documentID string, collaborator Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_collaborators (document_id, user_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET permission=EXCLUDED.permission
	`, documentID, collaborator.UserID, string(collaborator.Permission))
	if err != nil {
		return fmt.Errorf("upsert collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, documentID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_collaborators WHERE document_id=$1 AND user_id=$2
	`, documentID, userID)
	if err != nil {
		return false, fmt.Errorf("remove collaborator: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove collaborator rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	mentions, err := marshalMentions(comment.Mentions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, author_id, content, position_start, position_end, mentions)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, comment.ID, comment.DocumentID, comment.AuthorID, comment.Content, comment.Position.Start, comment.Position.End, mentions)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

const commentColumns = `id, document_id, author_id, content, position_start, position_end, resolved, COALESCE(resolved_by, ''), resolved_at, mentions, created_at, updated_at`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var item Comment
	var resolvedAt sql.NullTime
	var mentionsJSON []byte
	if err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.AuthorID,
		&item.Content,
		&item.Position.Start,
		&item.Position.End,
		&item.Resolved,
		&item.ResolvedBy,
		&resolvedAt,
		&mentionsJSON,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Comment{}, err
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		item.ResolvedAt = &at
	}
	mentions, err := unmarshalMentions(mentionsJSON)
	if err != nil {
		return Comment{}, err
	}
	item.Mentions = mentions
	item.Replies = []Reply{}
	return item, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	item, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Comment{}, fmt.Errorf("get comment %s: %w", commentID, ErrNotFound)
		}
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	replies, err := s.listReplies(ctx, `WHERE comment_id=$1`, commentID)
	if err != nil {
		return Comment{}, err
	}
	item.Replies = replies[commentID]
	if item.Replies == nil {
		item.Replies = []Reply{}
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE document_id=$1
		ORDER BY created_at ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}

	replies, err := s.listReplies(ctx, `WHERE comment_id IN (SELECT id FROM comments WHERE document_id=$1)`, documentID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if found, ok := replies[items[i].ID]; ok {
			items[i].Replies = found
		}
	}
	return items, nil
}

func (s *PostgresStore) listReplies(ctx context.Context, where string, arg string) (map[string][]Reply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, comment_id, author_id, content, mentions, created_at
		FROM comment_replies
		`+where+`
		ORDER BY created_at ASC, id ASC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	byComment := map[string][]Reply{}
	for rows.Next() {
		var item Reply
		var mentionsJSON []byte
		if err := rows.Scan(&item.ID, &item.CommentID, &item.AuthorID, &item.Content, &mentionsJSON, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		mentions, err := unmarshalMentions(mentionsJSON)
		if err != nil {
			return nil, err
		}
		item.Mentions = mentions
		byComment[item.CommentID] = append(byComment[item.CommentID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return byComment, nil
}

func (s *PostgresStore) UpdateCommentContent(ctx context.Context, commentID, content string, mentions []string) error {
	mentionsJSON, err := marshalMentions(mentions)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET content=$2, mentions=$3::jsonb, updated_at=NOW() WHERE id=$1
	`, commentID, content, mentionsJSON)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return requireAffected(result, "update comment")
}

// ResolveComment marks an open comment resolved. changed is false when the
// comment was already resolved.
func (s *PostgresStore) ResolveComment(ctx context.Context, commentID, resolvedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET resolved=TRUE, resolved_by=$2, resolved_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND NOT resolved
	`, commentID, resolvedBy)
	if err != nil {
		return false, fmt.Errorf("resolve comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) AppendReply(ctx context.Context, reply Reply) error {
	mentions, err := marshalMentions(reply.Mentions)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reply tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `UPDATE comments SET updated_at=NOW() WHERE id=$1`, reply.CommentID)
	if err != nil {
		return fmt.Errorf("touch comment: %w", err)
	}
	if err := requireAffected(result, "append reply"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comment_replies (id, comment_id, author_id, content, mentions)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, reply.ID, reply.CommentID, reply.AuthorID, reply.Content, mentions); err != nil {
		return fmt.Errorf("insert reply: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reply: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	return affected > 0, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func marshalMentions(mentions []string) (string, error) {
	if mentions == nil {
		mentions = []string{}
	}
	encoded, err := json.Marshal(mentions)
	if err != nil {
		return "", fmt.Errorf("marshal mentions: %w", err)
	}
	return string(encoded), nil
}

func unmarshalMentions(raw []byte) ([]string, error) {
	mentions := []string{}
	if len(raw) == 0 {
		return mentions, nil
	}
	if err := json.Unmarshal(raw, &mentions); err != nil {
		return nil, fmt.Errorf("decode mentions: %w", err)
	}
	return mentions, nil
}
