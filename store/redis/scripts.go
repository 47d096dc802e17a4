package redis

import "github.com/redis/go-redis/v9"

// Every compare-and-set transition is one Lua script, so concurrent
// workers and the sweep can never observe a half-applied transition.
// Scripts receive the current time through ARGV so replicas replay
// identical writes, and build job-hash keys from member IDs, which
// requires all photoq keys on one node.
//
// Job hashes carry run_at twice: run_at as RFC 3339 for reads, and
// run_at_s as unix seconds so scripts can compute pending scores
// without parsing timestamps.

// createJobScript inserts a job hash and indexes it.
// KEYS: jobKey, jobIDsKey, idemKey, pendingKey, delayedKey
// ARGV: jobID, idemField, pendingScore, runAtMs, due, hash pairs...
// Returns "OK", "EXISTS" (duplicate ID), or "DUP" (idempotency key taken).
var createJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 'EXISTS'
end
if ARGV[2] ~= '' then
	if redis.call('HSETNX', KEYS[3], ARGV[2], ARGV[1]) == 0 then
		return 'DUP'
	end
end
redis.call('HSET', KEYS[1], unpack(ARGV, 6))
redis.call('SADD', KEYS[2], ARGV[1])
if ARGV[5] == '1' then
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
else
	redis.call('ZADD', KEYS[5], ARGV[4], ARGV[1])
end
return 'OK'
`)

// claimJobScript promotes due delayed jobs, pops the best claimable
// job, and activates it under a lease, all in one round trip.
// KEYS: pendingKey, delayedKey, leasesKey
// ARGV: prefix, nowMs, nowStr, leaseMs, leaseStr, workerID
// Returns the claimed job ID, or nil when nothing is ready.
var claimJobScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(due) do
	local jk = ARGV[1] .. 'job:' .. id
	local prio = tonumber(redis.call('HGET', jk, 'priority')) or 0
	local run_s = tonumber(redis.call('HGET', jk, 'run_at_s')) or 0
	redis.call('ZADD', KEYS[1], -prio * 1e10 + run_s, id)
	redis.call('ZREM', KEYS[2], id)
end
while true do
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then
		return false
	end
	local id = popped[1]
	local jk = ARGV[1] .. 'job:' .. id
	if redis.call('EXISTS', jk) == 1 then
		redis.call('HSET', jk,
			'state', 'active',
			'worker_id', ARGV[6],
			'lease_expires_at', ARGV[5],
			'started_at', ARGV[3],
			'progress', '0',
			'updated_at', ARGV[3])
		redis.call('HINCRBY', jk, 'attempts', 1)
		redis.call('ZADD', KEYS[3], ARGV[4], id)
		return id
	end
end
`)

// renewLeaseScript extends the lease of a job held by a worker.
// KEYS: jobKey, leasesKey
// ARGV: jobID, workerID, leaseStr, leaseMs
// Returns 1 on success, 0 when the lease is not held, -1 when missing.
var renewLeaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// setProgressScript records progress and renews the lease.
// KEYS: jobKey, leasesKey
// ARGV: jobID, workerID, pct, leaseStr, leaseMs, nowStr
var setProgressScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'progress', ARGV[3], 'lease_expires_at', ARGV[4], 'updated_at', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
return 1
`)

// completeJobScript finishes a held job and releases its lease.
// KEYS: jobKey, leasesKey
// ARGV: jobID, workerID, result, nowStr
var completeJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'result', ARGV[3], 'progress', '100', 'completed_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'worker_id', 'lease_expires_at')
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// failJobScript terminally fails a held job and releases its lease.
// KEYS: jobKey, leasesKey
// ARGV: jobID, workerID, lastError, nowStr
var failJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[3], 'completed_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'worker_id', 'lease_expires_at')
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// rescheduleJobScript returns a held job to its queue as delayed.
// KEYS: jobKey, leasesKey, delayedKey
// ARGV: jobID, workerID, runAtStr, runAtS, runAtMs, lastError, nowStr
var rescheduleJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'delayed', 'run_at', ARGV[3], 'run_at_s', ARGV[4], 'last_error', ARGV[6], 'progress', '0', 'updated_at', ARGV[7])
redis.call('HDEL', KEYS[1], 'worker_id', 'lease_expires_at', 'started_at')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
return 1
`)

// cancelJobScript cancels a job that no worker holds yet.
// KEYS: jobKey, pendingKey, delayedKey
// ARGV: jobID, nowStr
// Returns 1 on success, 0 when not cancellable, -1 when missing.
var cancelJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'waiting' and state ~= 'delayed' then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'cancelled', 'completed_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

// requeueJobScript makes a failed, delayed, or cancelled job
// immediately claimable again.
// KEYS: jobKey, pendingKey, delayedKey
// ARGV: jobID, nowStr, nowS
// Returns 1 on success, 2 when already waiting, 0 when the state
// forbids it, -1 when missing.
var requeueJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' then
	return 2
end
if state ~= 'failed' and state ~= 'delayed' and state ~= 'cancelled' then
	return 0
end
local prio = tonumber(redis.call('HGET', KEYS[1], 'priority')) or 0
redis.call('HSET', KEYS[1], 'state', 'waiting', 'run_at', ARGV[2], 'run_at_s', ARGV[3], 'progress', '0', 'updated_at', ARGV[2])
redis.call('HDEL', KEYS[1], 'worker_id', 'lease_expires_at', 'started_at', 'completed_at')
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[2], -prio * 1e10 + tonumber(ARGV[3]), ARGV[1])
return 1
`)

// reapScript sweeps expired leases, partitioning jobs into reclaimed
// (attempts remain, back to pending) and exhausted (terminally failed).
// KEYS: leasesKey
// ARGV: prefix, nowMs, nowStr, nowS, leaseMsg
// Returns {reclaimed IDs, exhausted IDs}.
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local reclaimed = {}
local exhausted = {}
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	local jk = ARGV[1] .. 'job:' .. id
	if redis.call('EXISTS', jk) == 1 and redis.call('HGET', jk, 'state') == 'active' then
		local attempts = tonumber(redis.call('HGET', jk, 'attempts')) or 0
		local max_attempts = tonumber(redis.call('HGET', jk, 'max_attempts')) or 0
		redis.call('HDEL', jk, 'worker_id', 'lease_expires_at', 'started_at')
		if attempts >= max_attempts then
			redis.call('HSET', jk, 'state', 'failed', 'progress', '0', 'last_error', ARGV[5], 'completed_at', ARGV[3], 'updated_at', ARGV[3])
			exhausted[#exhausted + 1] = id
		else
			local prio = tonumber(redis.call('HGET', jk, 'priority')) or 0
			local queue = redis.call('HGET', jk, 'queue')
			redis.call('HSET', jk, 'state', 'waiting', 'run_at', ARGV[3], 'run_at_s', ARGV[4], 'progress', '0', 'last_error', ARGV[5], 'updated_at', ARGV[3])
			redis.call('ZADD', ARGV[1] .. 'pending:' .. queue, -prio * 1e10 + tonumber(ARGV[4]), id)
			reclaimed[#reclaimed + 1] = id
		end
	end
end
return {reclaimed, exhausted}
`)

// deleteJobScript removes a job hash and every index entry for it.
// KEYS: jobKey, jobIDsKey
// ARGV: prefix, jobID
// Returns 1 when deleted, 0 when missing.
var deleteJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local queue = redis.call('HGET', KEYS[1], 'queue')
local idem = redis.call('HGET', KEYS[1], 'idempotency_key')
redis.call('ZREM', ARGV[1] .. 'pending:' .. queue, ARGV[2])
redis.call('ZREM', ARGV[1] .. 'delayed:' .. queue, ARGV[2])
redis.call('ZREM', ARGV[1] .. 'leases', ARGV[2])
if idem and idem ~= '' then
	redis.call('HDEL', ARGV[1] .. 'idem:' .. queue, idem)
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`)

// createRecurringScript inserts a spec and claims its unique name.
// KEYS: specKey, namesKey, idsKey
// ARGV: name, id, json
// Returns "OK", "EXISTS" (duplicate ID), or "DUP" (name taken).
var createRecurringScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 'EXISTS'
end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
	return 'DUP'
end
redis.call('SET', KEYS[1], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[2])
return 'OK'
`)

// acquireLockScript takes or re-enters a TTL dispatch lock.
// KEYS: lockKey
// ARGV: workerID, ttlMs
// Returns 1 when held by the caller afterwards, 0 otherwise.
var acquireLockScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if not holder then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
if holder == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// releaseLockScript drops a lock only when the caller holds it.
// KEYS: lockKey
// ARGV: workerID
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
end
return 1
`)
