package mailstore

import "context"

// Folders and flags are present in the schema but not exercised by the
// core SMTP path (§4.2); they are supplemented here from
// original_source's broader MailDB surface so the schema is not
// ambiguous. Nothing else in the repository calls them, and this
// package has no tests.

// CreateFolder creates a named folder for user.
func (s *Store) CreateFolder(ctx context.Context, user, name string) error {
	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	userID, err := s.userID(ctx, lease, user)
	if err != nil {
		return err
	}
	_, err = lease.Conn().ExecContext(ctx,
		`INSERT INTO folders (user_id, folder_name) VALUES ($1, $2)
		 ON CONFLICT (user_id, folder_name) DO NOTHING`, userID, name)
	return err
}

// DeleteFolder removes a named folder for user.
func (s *Store) DeleteFolder(ctx context.Context, user, name string) error {
	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	userID, err := s.userID(ctx, lease, user)
	if err != nil {
		return err
	}
	_, err = lease.Conn().ExecContext(ctx,
		`DELETE FROM folders WHERE user_id = $1 AND folder_name = $2`, userID, name)
	return err
}

// MoveMessage reassigns messageID to folder.
func (s *Store) MoveMessage(ctx context.Context, messageID int64, folder string) error {
	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, err = lease.Conn().ExecContext(ctx,
		`UPDATE email_messages SET folder_name = $2 WHERE id = $1`, messageID, folder)
	return err
}

// SetFlag attaches a tagged flag to messageID.
func (s *Store) SetFlag(ctx context.Context, messageID int64, flag string) error {
	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, err = lease.Conn().ExecContext(ctx,
		`INSERT INTO message_flags (message_id, flag) VALUES ($1, $2)
		 ON CONFLICT (message_id, flag) DO NOTHING`, messageID, flag)
	return err
}

// ClearFlag detaches a tagged flag from messageID.
func (s *Store) ClearFlag(ctx context.Context, messageID int64, flag string) error {
	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, err = lease.Conn().ExecContext(ctx,
		`DELETE FROM message_flags WHERE message_id = $1 AND flag = $2`, messageID, flag)
	return err
}

func (s *Store) userID(ctx context.Context, lease *Lease, user string) (int64, error) {
	var id int64
	err := lease.Conn().QueryRowContext(ctx,
		`SELECT user_id FROM users WHERE host_id = $1 AND user_name = $2`, s.hostID, user).Scan(&id)
	if err != nil {
		return 0, ErrNoSuchUser
	}
	return id, nil
}
