package redis

import goredis "github.com/redis/go-redis/v9"

// Every multi-step state change runs as one script so a crash or a
// concurrent client can never observe half of it.
//
// Ownership checks compare status, lock_by and lease_token. Scripts that
// check ownership return -1 for a missing job, 0 for a lost lease and 1 on
// success.

// KEYS: job, pending. ARGV: id, run_at, field/value pairs...
var pushScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: pending, inflight. ARGV: now, worker, job key prefix.
// Returns the claimed job's fields, or nil when nothing is due.
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local key = ARGV[3] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('HINCRBY', key, 'lease_token', 1)
redis.call('HSET', key, 'status', 'running', 'lock_by', ARGV[2], 'lock_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[1], id)
return redis.call('HGETALL', key)
`)

// KEYS: job, inflight, destination set.
// ARGV: id, worker, token, destination score, field/value pairs...
var transitionScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = redis.call('HMGET', KEYS[1], 'status', 'lock_by', 'lease_token')
if cur[1] ~= 'running' or cur[2] ~= ARGV[2] or cur[3] ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'lock_by', 'lock_at')
if #ARGV > 4 then
  redis.call('HSET', KEYS[1], unpack(ARGV, 5))
end
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// KEYS: job, inflight. ARGV: id, worker, token, now.
var heartbeatScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = redis.call('HMGET', KEYS[1], 'status', 'lock_by', 'lease_token')
if cur[1] ~= 'running' or cur[2] ~= ARGV[2] or cur[3] ~= ARGV[3] then
  return 0
end
redis.call('HSET', KEYS[1], 'lock_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// KEYS: inflight, pending, dead.
// ARGV: cutoff, limit, count attempt (1/0), now, job key prefix, marker.
// Returns the number of reclaimed jobs.
var reapScript = goredis.NewScript(`
local ids
if tonumber(ARGV[2]) > 0 then
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, ARGV[2])
else
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
end
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[5] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HGET', key, 'status') == 'running' then
    local state = 'pending'
    if ARGV[3] == '1' then
      local attempts = tonumber(redis.call('HGET', key, 'attempts'))
      local max = tonumber(redis.call('HGET', key, 'max_attempts'))
      if attempts >= max then
        state = 'killed'
      else
        redis.call('HINCRBY', key, 'attempts', 1)
      end
    end
    redis.call('HDEL', key, 'lock_by', 'lock_at')
    redis.call('HINCRBY', key, 'reclaims', 1)
    redis.call('HSET', key, 'status', state, 'last_error', ARGV[6], 'updated_at', ARGV[4])
    if state == 'pending' then
      redis.call('ZADD', KEYS[2], redis.call('HGET', key, 'run_at'), id)
    else
      redis.call('HSET', key, 'done_at', ARGV[4])
      redis.call('ZADD', KEYS[3], ARGV[4], id)
    end
    n = n + 1
  end
end
return n
`)

// KEYS: done. ARGV: cutoff, job key prefix.
var vacuumScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. id)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

// KEYS: schedule, schedules. ARGV: name, field/value pairs...
var saveScheduleScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// KEYS: schedule. ARGV: expected, next, now.
var advanceScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'next_fire_at') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'next_fire_at', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// KEYS: hash. ARGV: field/value pairs. Updates only an existing hash.
var updateExistingScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)
