package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/clock"
	"github.com/signalbeam/edge/internal/tagquery"
)

// Store implements the Device Registry against the shared devices,
// device_tags, device_groups and device_group_members tables. Every write
// is scoped to a single tenant; cross-tenant reads fail DEVICE_NOT_FOUND
// (spec §4.2: "cross-tenant reads fail NOT_FOUND").
//
// Device.deviceGroupId (spec §3, singular) is superseded here by the
// device_group_members join table: the spec's own Group description says
// "a device may belong to multiple groups", so membership is modeled
// many-to-many rather than a single FK column. See DESIGN.md.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// New creates a Store.
func New(pool *pgxpool.Pool, c clock.Clock) *Store {
	return &Store{pool: pool, clock: c}
}

// Register directly creates a Pending device, bypassing the registration-
// token redemption flow in pkg/credential. Used by admin bulk-import
// tooling, where an operator has already verified the device out of band.
func (s *Store) Register(ctx context.Context, tenantID uuid.UUID, name, metadata string) (*Device, error) {
	now := s.clock.Now().UTC()
	d := &Device{
		DeviceID:           uuid.New(),
		TenantID:           tenantID,
		Name:               name,
		Metadata:           metadata,
		RegistrationStatus: StatusPending,
		OnlineStatus:       OnlineStatusOffline,
		CreatedAt:          now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (id, tenant_id, name, metadata, registration_status, online_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.DeviceID, d.TenantID, d.Name, d.Metadata, d.RegistrationStatus, d.OnlineStatus, d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting device: %w", err)
	}
	return d, nil
}

// Update changes a device's name and/or metadata. A nil pointer leaves the
// corresponding field unchanged.
func (s *Store) Update(ctx context.Context, tenantID, deviceID uuid.UUID, name, metadata *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET
			name = COALESCE($3, name),
			metadata = COALESCE($4, metadata)
		WHERE id = $1 AND tenant_id = $2`,
		deviceID, tenantID, name, metadata,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.CodeDeviceNotFound, "device not found")
	}
	return nil
}

// Get fetches a device (with its tags) scoped to tenantID.
func (s *Store) Get(ctx context.Context, tenantID, deviceID uuid.UUID) (*Device, error) {
	d, err := s.scanDevice(ctx, s.pool, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	tags, err := s.tagsFor(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	d.Tags = tags
	return d, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) scanDevice(ctx context.Context, q querier, tenantID, deviceID uuid.UUID) (*Device, error) {
	var d Device
	err := q.QueryRow(ctx, `
		SELECT id, tenant_id, name, metadata, registration_status, online_status, last_seen_at, created_at
		FROM devices WHERE id = $1 AND tenant_id = $2`,
		deviceID, tenantID,
	).Scan(&d.DeviceID, &d.TenantID, &d.Name, &d.Metadata, &d.RegistrationStatus, &d.OnlineStatus, &d.LastSeenAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.New(apierr.CodeDeviceNotFound, "device not found")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up device: %w", err)
	}
	return &d, nil
}

func (s *Store) tagsFor(ctx context.Context, deviceID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tag FROM device_tags WHERE device_id = $1 ORDER BY tag`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("listing device tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// TagAdd atomically adds tags to a device, canonicalizing each atom first.
func (s *Store) TagAdd(ctx context.Context, tenantID, deviceID uuid.UUID, tags []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.scanDevice(ctx, tx, tenantID, deviceID); err != nil {
		return err
	}

	for _, tag := range tags {
		canon := CanonicalTag(tag)
		if canon == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO device_tags (device_id, tag) VALUES ($1, $2)
			ON CONFLICT (device_id, tag) DO NOTHING`,
			deviceID, canon,
		); err != nil {
			return fmt.Errorf("adding tag %q: %w", canon, err)
		}
	}
	return tx.Commit(ctx)
}

// TagRemove atomically removes tags from a device.
func (s *Store) TagRemove(ctx context.Context, tenantID, deviceID uuid.UUID, tags []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.scanDevice(ctx, tx, tenantID, deviceID); err != nil {
		return err
	}

	for _, tag := range tags {
		canon := CanonicalTag(tag)
		if _, err := tx.Exec(ctx, `DELETE FROM device_tags WHERE device_id = $1 AND tag = $2`, deviceID, canon); err != nil {
			return fmt.Errorf("removing tag %q: %w", canon, err)
		}
	}
	return tx.Commit(ctx)
}

// AssignToGroup adds deviceID to groupID's membership.
func (s *Store) AssignToGroup(ctx context.Context, tenantID, deviceID, groupID uuid.UUID) error {
	if _, err := s.scanDevice(ctx, s.pool, tenantID, deviceID); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO device_group_members (device_id, group_id) VALUES ($1, $2)
		ON CONFLICT (device_id, group_id) DO NOTHING`,
		deviceID, groupID,
	); err != nil {
		return fmt.Errorf("assigning device to group: %w", err)
	}
	return nil
}

// RemoveFromGroup removes deviceID from groupID's membership.
func (s *Store) RemoveFromGroup(ctx context.Context, tenantID, deviceID, groupID uuid.UUID) error {
	if _, err := s.scanDevice(ctx, s.pool, tenantID, deviceID); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM device_group_members WHERE device_id = $1 AND group_id = $2`, deviceID, groupID); err != nil {
		return fmt.Errorf("removing device from group: %w", err)
	}
	return nil
}

// GroupMembers returns the device IDs currently in groupID.
func (s *Store) GroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT device_id FROM device_group_members WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("listing group members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns tenant-scoped devices matching filter. Tag-query filtering is
// applied in-process after loading each candidate's tags, since the
// tagquery grammar (AND/OR/NOT/wildcards) does not translate cleanly to SQL
// predicates.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID, filter ListFilter) ([]Device, error) {
	var node tagquery.Node
	if filter.TagQuery != "" {
		n, err := tagquery.Parse(filter.TagQuery)
		if err != nil {
			return nil, apierr.New(apierr.CodeInvalidTagQuery, err.Error())
		}
		node = n
	}

	sqlQuery := `
		SELECT d.id, d.tenant_id, d.name, d.metadata, d.registration_status, d.online_status, d.last_seen_at, d.created_at
		FROM devices d`
	args := []any{tenantID}
	where := []string{"d.tenant_id = $1"}

	if filter.GroupID != nil {
		sqlQuery += ` JOIN device_group_members m ON m.device_id = d.id`
		args = append(args, *filter.GroupID)
		where = append(where, fmt.Sprintf("m.group_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("d.registration_status = $%d", len(args)))
	}
	if filter.AfterCreatedAt != nil && filter.AfterID != nil {
		args = append(args, *filter.AfterCreatedAt, *filter.AfterID)
		where = append(where, fmt.Sprintf("(d.created_at, d.id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	sqlQuery += " WHERE " + joinAnd(where) + " ORDER BY d.created_at DESC, d.id DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit+1)
		sqlQuery += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.DeviceID, &d.TenantID, &d.Name, &d.Metadata, &d.RegistrationStatus, &d.OnlineStatus, &d.LastSeenAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if node == nil {
		return out, nil
	}

	var filtered []Device
	for _, d := range out {
		tags, err := s.tagsFor(ctx, d.DeviceID)
		if err != nil {
			return nil, err
		}
		d.Tags = tags
		if tagquery.Eval(node, tags) {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

// CreateGroup creates a static or dynamic device group.
func (s *Store) CreateGroup(ctx context.Context, tenantID uuid.UUID, name, groupType string, tagQuery *string) (*Group, error) {
	if groupType == GroupTypeDynamic && (tagQuery == nil || *tagQuery == "") {
		return nil, apierr.New(apierr.CodeValidationFailed, "dynamic groups require a tagQuery")
	}
	if groupType == GroupTypeDynamic {
		if _, err := tagquery.Parse(*tagQuery); err != nil {
			return nil, apierr.New(apierr.CodeInvalidTagQuery, err.Error())
		}
	}

	g := &Group{
		GroupID:   uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		Type:      groupType,
		TagQuery:  tagQuery,
		CreatedAt: s.clock.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_groups (id, tenant_id, name, type, tag_query, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		g.GroupID, g.TenantID, g.Name, g.Type, g.TagQuery, g.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating device group: %w", err)
	}
	return g, nil
}

// ListDynamicGroups returns every dynamic group across all tenants, for the
// DynamicGroupSync worker to recompute on its tick.
func (s *Store) ListDynamicGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, type, tag_query, created_at
		FROM device_groups WHERE type = $1`, GroupTypeDynamic)
	if err != nil {
		return nil, fmt.Errorf("listing dynamic groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.GroupID, &g.TenantID, &g.Name, &g.Type, &g.TagQuery, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SyncDynamicGroup recomputes group's membership against current tenant
// device tags and applies the minimum set of additions/removals, per spec
// §4.2 "Dynamic group sync".
func (s *Store) SyncDynamicGroup(ctx context.Context, group Group) (added, removed []uuid.UUID, err error) {
	if group.Type != GroupTypeDynamic || group.TagQuery == nil {
		return nil, nil, fmt.Errorf("group %s is not dynamic", group.GroupID)
	}
	node, err := tagquery.Parse(*group.TagQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing tag query for group %s: %w", group.GroupID, err)
	}

	devices, err := s.List(ctx, group.TenantID, ListFilter{})
	if err != nil {
		return nil, nil, err
	}

	wantMembers := map[uuid.UUID]bool{}
	for _, d := range devices {
		tags, err := s.tagsFor(ctx, d.DeviceID)
		if err != nil {
			return nil, nil, err
		}
		if tagquery.Eval(node, tags) {
			wantMembers[d.DeviceID] = true
		}
	}

	current, err := s.GroupMembers(ctx, group.GroupID)
	if err != nil {
		return nil, nil, err
	}
	currentSet := map[uuid.UUID]bool{}
	for _, id := range current {
		currentSet[id] = true
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for id := range wantMembers {
		if !currentSet[id] {
			if _, err := tx.Exec(ctx, `
				INSERT INTO device_group_members (device_id, group_id) VALUES ($1, $2)
				ON CONFLICT (device_id, group_id) DO NOTHING`,
				id, group.GroupID,
			); err != nil {
				return nil, nil, fmt.Errorf("adding member: %w", err)
			}
			added = append(added, id)
		}
	}
	for id := range currentSet {
		if !wantMembers[id] {
			if _, err := tx.Exec(ctx, `DELETE FROM device_group_members WHERE device_id = $1 AND group_id = $2`, id, group.GroupID); err != nil {
				return nil, nil, fmt.Errorf("removing member: %w", err)
			}
			removed = append(removed, id)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("committing dynamic group sync: %w", err)
	}
	return added, removed, nil
}

// MarkOnlineStatus transitions a device's onlineStatus, used by the
// heartbeat ingest (online) and offline-detector tick (offline).
func (s *Store) MarkOnlineStatus(ctx context.Context, deviceID uuid.UUID, status string, lastSeenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET online_status = $2, last_seen_at = GREATEST(last_seen_at, $3)
		WHERE id = $1`,
		deviceID, status, lastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("updating device online status: %w", err)
	}
	return nil
}

// OfflineSweep transitions every currently-online device whose
// last_seen_at is older than threshold into OnlineStatusOffline. It is the
// body of the OfflineDetector worker (spec §5).
func (s *Store) OfflineSweep(ctx context.Context, threshold time.Time) (transitioned int, err error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET online_status = $1
		WHERE online_status = $2 AND last_seen_at IS NOT NULL AND last_seen_at < $3`,
		OnlineStatusOffline, OnlineStatusOnline, threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping offline devices: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
