package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medkiosk/kiosk-scheduling/internal/schedule"
)

const (
	recordKeyPrefix = "sched:rec:"
	verKeyPrefix    = "sched:ver:"
	scopeKeyPrefix  = "sched:scope:"
	holderKeyPrefix = "sched:holder:"
)

// Script replies lead with one of these codes.
const (
	luaOK            = 0
	luaUnavailable   = 1
	luaHeldByOther   = 2
	luaAlreadyBooked = 3
	luaNotFound      = 4
)

// holdScript transitions a slot to held. An expired hold counts as free; a
// takeover removes the record from the previous holder's index.
var holdScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local holder = ARGV[2]
local status = redis.call("HGET", KEYS[1], "status")
if status == "booked" then
  return {1}
end
if status == "held" then
  local cur = redis.call("HGET", KEYS[1], "holder")
  local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
  if cur ~= holder and exp > now then
    return {1}
  end
  if cur ~= holder then
    redis.call("SREM", ARGV[4] .. cur, KEYS[1])
  end
end
redis.call("HSET", KEYS[1],
  "hospital", ARGV[5], "date", ARGV[6], "department", ARGV[7], "doctor", ARGV[8], "slot", ARGV[9],
  "status", "held", "holder", holder, "expires_at", ARGV[3],
  "patient_name", "", "patient_phone", "", "visit_ref", "", "updated_at", ARGV[1])
redis.call("SADD", KEYS[3], KEYS[1])
redis.call("SADD", ARGV[4] .. holder, KEYS[1])
local v = redis.call("INCR", KEYS[2])
return {0, v}
`)

var bookScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local holder = ARGV[2]
local status = redis.call("HGET", KEYS[1], "status")
if status == "booked" then
  return {3}
end
if status == "held" then
  local cur = redis.call("HGET", KEYS[1], "holder")
  local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
  if cur ~= holder and exp > now then
    return {2}
  end
  redis.call("SREM", ARGV[3] .. cur, KEYS[1])
end
redis.call("HSET", KEYS[1],
  "hospital", ARGV[4], "date", ARGV[5], "department", ARGV[6], "doctor", ARGV[7], "slot", ARGV[8],
  "status", "booked", "holder", "", "expires_at", "0",
  "patient_name", ARGV[9], "patient_phone", ARGV[10], "visit_ref", ARGV[11], "updated_at", ARGV[1])
redis.call("SADD", KEYS[3], KEYS[1])
local v = redis.call("INCR", KEYS[2])
return {0, v}
`)

// releaseScript frees a held or booked slot. The third reply element is 1
// when the slot carried only an expired hold, which the caller reports as
// nothing to cancel.
var releaseScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local status = redis.call("HGET", KEYS[1], "status")
if not status or status == "free" then
  return {4}
end
local stale = 0
if status == "held" then
  local cur = redis.call("HGET", KEYS[1], "holder")
  local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
  redis.call("SREM", ARGV[2] .. cur, KEYS[1])
  if exp <= now then
    stale = 1
  end
end
redis.call("HSET", KEYS[1],
  "status", "free", "holder", "", "expires_at", "0",
  "patient_name", "", "patient_phone", "", "visit_ref", "", "updated_at", ARGV[1])
local v = redis.call("INCR", KEYS[2])
return {0, v, stale}
`)

// releaseOwnScript frees one record if it is still held by the given
// session, returning the key fields so the caller can report what it freed.
var releaseOwnScript = redis.NewScript(`
local holder = ARGV[2]
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "held" then
  return {4}
end
local cur = redis.call("HGET", KEYS[1], "holder")
if cur ~= holder then
  return {4}
end
local h = redis.call("HGET", KEYS[1], "hospital")
local d = redis.call("HGET", KEYS[1], "date")
local dept = redis.call("HGET", KEYS[1], "department")
local doc = redis.call("HGET", KEYS[1], "doctor")
local slot = redis.call("HGET", KEYS[1], "slot")
redis.call("SREM", ARGV[3] .. holder, KEYS[1])
redis.call("HSET", KEYS[1],
  "status", "free", "holder", "", "expires_at", "0",
  "patient_name", "", "patient_phone", "", "visit_ref", "", "updated_at", ARGV[1])
redis.call("INCR", ARGV[4] .. h .. ":" .. d)
return {0, h, d, dept, doc, slot}
`)

// snapshotScript reads every record in the scope, reclaiming expired holds
// as it goes, and returns {expired, version, rows}. Running as one script
// keeps version and rows consistent.
var snapshotScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local members = redis.call("SMEMBERS", KEYS[2])
local expired = 0
local out = {}
for i, rk in ipairs(members) do
  local rec = redis.call("HGETALL", rk)
  if #rec > 0 then
    local f = {}
    for j = 1, #rec, 2 do
      f[rec[j]] = rec[j + 1]
    end
    if f["status"] == "held" and tonumber(f["expires_at"]) <= now then
      redis.call("SREM", ARGV[2] .. f["holder"], rk)
      redis.call("HSET", rk,
        "status", "free", "holder", "", "expires_at", "0",
        "patient_name", "", "patient_phone", "", "visit_ref", "", "updated_at", ARGV[1])
      redis.call("INCR", KEYS[1])
      expired = expired + 1
      f["status"] = "free"
    end
    if f["status"] ~= "free" then
      out[#out + 1] = {f["department"], f["doctor"], f["slot"], f["status"], f["holder"],
        f["expires_at"], f["patient_name"], f["patient_phone"], f["visit_ref"], f["updated_at"]}
    end
  end
end
local ver = redis.call("GET", KEYS[1])
if not ver then
  ver = "0"
end
return {expired, ver, out}
`)

// SlotStore keeps slot state in Redis. Record hashes carry the full slot
// state; index sets track the records per scope and per holder; every
// transition runs as one Lua script, so concurrent writers to the same key
// serialize inside Redis.
type SlotStore struct {
	client *redis.Client
	nowFn  func() time.Time
}

var _ schedule.Store = (*SlotStore)(nil)

func NewSlotStore(client *redis.Client) *SlotStore {
	return &SlotStore{client: client, nowFn: time.Now}
}

// SetNowFunc overrides the clock used for expiry decisions and timestamps.
func (s *SlotStore) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}

func (s *SlotStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapStoreErr("ping", err)
	}
	return nil
}

func recordKey(k schedule.SlotKey) string {
	return fmt.Sprintf("%s%s:%s:%s:%s:%s", recordKeyPrefix, k.Hospital, k.Date, k.Department, k.Doctor, k.Slot)
}

func verKey(sc schedule.Scope) string {
	return verKeyPrefix + sc.Hospital + ":" + sc.Date
}

func scopeKey(sc schedule.Scope) string {
	return scopeKeyPrefix + sc.Hospital + ":" + sc.Date
}

func (s *SlotStore) PlaceHold(ctx context.Context, key schedule.SlotKey, holder string, expiresAt time.Time) (*schedule.SlotRecord, error) {
	now := s.nowFn()
	keys := []string{recordKey(key), verKey(key.Scope()), scopeKey(key.Scope())}
	res, err := holdScript.Run(ctx, s.client, keys,
		now.UnixMilli(), holder, expiresAt.UnixMilli(), holderKeyPrefix,
		key.Hospital, key.Date, key.Department, key.Doctor, key.Slot).Result()
	if err != nil {
		return nil, wrapStoreErr("place hold", err)
	}

	code, _, err := scriptReply(res)
	if err != nil {
		return nil, wrapStoreErr("place hold", err)
	}
	if code == luaUnavailable {
		return nil, schedule.ErrSlotUnavailable
	}

	return &schedule.SlotRecord{
		Key:       key,
		Status:    schedule.StatusHeld,
		Holder:    holder,
		ExpiresAt: expiresAt,
		UpdatedAt: now,
	}, nil
}

func (s *SlotStore) CommitBooking(ctx context.Context, key schedule.SlotKey, holder string, patient schedule.Patient, visitRef string) (*schedule.SlotRecord, error) {
	now := s.nowFn()
	keys := []string{recordKey(key), verKey(key.Scope()), scopeKey(key.Scope())}
	res, err := bookScript.Run(ctx, s.client, keys,
		now.UnixMilli(), holder, holderKeyPrefix,
		key.Hospital, key.Date, key.Department, key.Doctor, key.Slot,
		patient.Name, patient.Phone, visitRef).Result()
	if err != nil {
		return nil, wrapStoreErr("commit booking", err)
	}

	code, _, err := scriptReply(res)
	if err != nil {
		return nil, wrapStoreErr("commit booking", err)
	}
	switch code {
	case luaAlreadyBooked:
		return nil, schedule.ErrAlreadyBooked
	case luaHeldByOther:
		return nil, schedule.ErrHeldByOther
	}

	return &schedule.SlotRecord{
		Key:       key,
		Status:    schedule.StatusBooked,
		Patient:   patient,
		VisitRef:  visitRef,
		UpdatedAt: now,
	}, nil
}

func (s *SlotStore) ReleaseSlot(ctx context.Context, key schedule.SlotKey) (*schedule.SlotRecord, error) {
	now := s.nowFn()
	keys := []string{recordKey(key), verKey(key.Scope())}
	res, err := releaseScript.Run(ctx, s.client, keys, now.UnixMilli(), holderKeyPrefix).Result()
	if err != nil {
		return nil, wrapStoreErr("release slot", err)
	}

	code, rest, err := scriptReply(res)
	if err != nil {
		return nil, wrapStoreErr("release slot", err)
	}
	if code == luaNotFound {
		return nil, schedule.ErrSlotNotFound
	}
	if len(rest) >= 2 {
		if stale, _ := rest[1].(int64); stale == 1 {
			return nil, schedule.ErrSlotNotFound
		}
	}

	return &schedule.SlotRecord{Key: key, Status: schedule.StatusFree, UpdatedAt: now}, nil
}

func (s *SlotStore) ReleaseHolds(ctx context.Context, holder string) ([]schedule.SlotKey, error) {
	now := s.nowFn()
	members, err := s.client.SMembers(ctx, holderKeyPrefix+holder).Result()
	if err != nil {
		return nil, wrapStoreErr("release holds", err)
	}

	var released []schedule.SlotKey
	for _, rk := range members {
		res, err := releaseOwnScript.Run(ctx, s.client, []string{rk},
			now.UnixMilli(), holder, holderKeyPrefix, verKeyPrefix).Result()
		if err != nil {
			return nil, wrapStoreErr("release holds", err)
		}
		code, rest, err := scriptReply(res)
		if err != nil {
			return nil, wrapStoreErr("release holds", err)
		}
		if code != luaOK || len(rest) < 5 {
			continue
		}
		released = append(released, schedule.SlotKey{
			Hospital:   asString(rest[0]),
			Date:       asString(rest[1]),
			Department: asString(rest[2]),
			Doctor:     asString(rest[3]),
			Slot:       asString(rest[4]),
		})
	}

	sort.Slice(released, func(i, j int) bool { return lessSlotKey(released[i], released[j]) })
	return released, nil
}

func (s *SlotStore) ScopeSnapshot(ctx context.Context, scope schedule.Scope, departments []string) (*schedule.Snapshot, error) {
	now := s.nowFn()
	keys := []string{verKey(scope), scopeKey(scope)}
	res, err := snapshotScript.Run(ctx, s.client, keys, now.UnixMilli(), holderKeyPrefix).Result()
	if err != nil {
		return nil, wrapStoreErr("scope snapshot", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return nil, wrapStoreErr("scope snapshot", fmt.Errorf("unexpected reply %T", res))
	}

	snap := &schedule.Snapshot{Scope: scope}
	if n, ok := arr[0].(int64); ok {
		snap.Expired = int(n)
	}
	ver, err := strconv.ParseUint(asString(arr[1]), 10, 64)
	if err != nil {
		return nil, wrapStoreErr("scope snapshot", fmt.Errorf("bad version %q", asString(arr[1])))
	}
	snap.Version = ver

	var filter map[string]struct{}
	if len(departments) > 0 {
		filter = make(map[string]struct{}, len(departments))
		for _, d := range departments {
			filter[d] = struct{}{}
		}
	}

	rows, _ := arr[2].([]interface{})
	for _, raw := range rows {
		row, ok := raw.([]interface{})
		if !ok || len(row) < 10 {
			continue
		}
		rec := schedule.SlotRecord{
			Key: schedule.SlotKey{
				Hospital:   scope.Hospital,
				Date:       scope.Date,
				Department: asString(row[0]),
				Doctor:     asString(row[1]),
				Slot:       asString(row[2]),
			},
			Status:   schedule.Status(asString(row[3])),
			Holder:   asString(row[4]),
			VisitRef: asString(row[8]),
		}
		rec.Patient = schedule.Patient{Name: asString(row[6]), Phone: asString(row[7])}
		if ms, err := strconv.ParseInt(asString(row[5]), 10, 64); err == nil && ms > 0 {
			rec.ExpiresAt = time.UnixMilli(ms)
		}
		if ms, err := strconv.ParseInt(asString(row[9]), 10, 64); err == nil && ms > 0 {
			rec.UpdatedAt = time.UnixMilli(ms)
		}
		if filter != nil {
			if _, ok := filter[rec.Key.Department]; !ok {
				continue
			}
		}
		snap.Records = append(snap.Records, rec)
	}

	sort.Slice(snap.Records, func(i, j int) bool {
		return lessSlotKey(snap.Records[i].Key, snap.Records[j].Key)
	})
	return snap, nil
}

func (s *SlotStore) ScopeVersion(ctx context.Context, scope schedule.Scope) (uint64, error) {
	val, err := s.client.Get(ctx, verKey(scope)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, wrapStoreErr("scope version", err)
	}
	ver, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, wrapStoreErr("scope version", fmt.Errorf("bad counter %q", val))
	}
	return ver, nil
}

func scriptReply(res interface{}) (int64, []interface{}, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return 0, nil, fmt.Errorf("unexpected reply %T", res)
	}
	code, ok := arr[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected reply code %T", arr[0])
	}
	return code, arr[1:], nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func lessSlotKey(a, b schedule.SlotKey) bool {
	if a.Hospital != b.Hospital {
		return a.Hospital < b.Hospital
	}
	if a.Date != b.Date {
		return a.Date < b.Date
	}
	if a.Department != b.Department {
		return a.Department < b.Department
	}
	if a.Doctor != b.Doctor {
		return a.Doctor < b.Doctor
	}
	return a.Slot < b.Slot
}

func wrapStoreErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", schedule.ErrStoreUnavailable, op, err)
}
