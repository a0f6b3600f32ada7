package queue

import goredis "github.com/redis/go-redis/v9"

// Every state transition runs as one Lua script so job claim, ack and
// retry are atomic on the Redis side. Scores and timestamps are passed in
// as strings from Go; Lua only does small integer arithmetic.

// trimFn keeps the newest `keep` members of a finished set and deletes the
// hashes of the rest. keep < 0 keeps everything.
const trimFn = `
local function trim(set, keep, prefix)
  if keep < 0 then
    return
  end
  local count = redis.call("ZCARD", set)
  if count <= keep then
    return
  end
  local stale = redis.call("ZRANGE", set, 0, count - keep - 1)
  for _, id in ipairs(stale) do
    redis.call("DEL", prefix .. id, prefix .. id .. ":lock")
  end
  redis.call("ZREMRANGEBYRANK", set, 0, count - keep - 1)
end
`

// KEYS: id counter, wait, delayed
// ARGV: key prefix, custom id, name, data, opts, timestamp, delay ms, ready-at ms
var addJobScript = goredis.NewScript(`
local jobId = ARGV[2]
if jobId == "" then
  jobId = tostring(redis.call("INCR", KEYS[1]))
elseif redis.call("EXISTS", ARGV[1] .. jobId) == 1 then
  return {jobId, 0}
end
local jobKey = ARGV[1] .. jobId
redis.call("HSET", jobKey,
  "name", ARGV[3],
  "data", ARGV[4],
  "opts", ARGV[5],
  "timestamp", ARGV[6],
  "delay", ARGV[7],
  "attemptsMade", "0",
  "stalledCounter", "0",
  "progress", "0")
if tonumber(ARGV[7]) > 0 then
  redis.call("ZADD", KEYS[3], ARGV[8], jobId)
else
  redis.call("LPUSH", KEYS[2], jobId)
end
return {jobId, 1}
`)

// KEYS: wait, active, delayed
// ARGV: key prefix, now ms, lock token, lock duration ms
var moveToActiveScript = goredis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[2])
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[3], id)
  redis.call("LPUSH", KEYS[1], id)
end
local jobId = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
if not jobId then
  return false
end
local jobKey = ARGV[1] .. jobId
if redis.call("EXISTS", jobKey) == 0 then
  redis.call("LREM", KEYS[2], -1, jobId)
  return false
end
redis.call("SET", jobKey .. ":lock", ARGV[3], "PX", ARGV[4])
redis.call("HSET", jobKey, "processedOn", ARGV[2])
return {jobId, redis.call("HGETALL", jobKey)}
`)

// KEYS: lock
// ARGV: token, lock duration ms
var extendLockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// KEYS: job hash
// ARGV: progress
var updateProgressScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "progress", ARGV[1])
return 1
`)

// KEYS: active, completed, job hash, lock
// ARGV: job id, token, now ms, return value, keep last, key prefix
var moveToCompletedScript = goredis.NewScript(trimFn + `
if redis.call("EXISTS", KEYS[3]) == 0 then
  return -1
end
if redis.call("GET", KEYS[4]) ~= ARGV[2] then
  return -2
end
redis.call("LREM", KEYS[1], -1, ARGV[1])
redis.call("DEL", KEYS[4])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[3], "finishedOn", ARGV[3], "returnvalue", ARGV[4], "progress", "100")
trim(KEYS[2], tonumber(ARGV[5]), ARGV[6])
return 0
`)

// KEYS: active, failed, delayed, wait, job hash, lock
// ARGV: job id, token, now ms, reason, retry-at ms (-1 = no retry), keep last, key prefix
// Returns 1 when the job was scheduled for another attempt, 0 when failed.
var moveToFailedScript = goredis.NewScript(trimFn + `
if redis.call("EXISTS", KEYS[5]) == 0 then
  return -1
end
if redis.call("GET", KEYS[6]) ~= ARGV[2] then
  return -2
end
redis.call("LREM", KEYS[1], -1, ARGV[1])
redis.call("DEL", KEYS[6])
redis.call("HINCRBY", KEYS[5], "attemptsMade", 1)
redis.call("HSET", KEYS[5], "failedReason", ARGV[4])
local retryAt = tonumber(ARGV[5])
if retryAt >= 0 then
  if retryAt <= tonumber(ARGV[3]) then
    redis.call("LPUSH", KEYS[4], ARGV[1])
  else
    redis.call("ZADD", KEYS[3], ARGV[5], ARGV[1])
  end
  return 1
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[5], "finishedOn", ARGV[3])
trim(KEYS[2], tonumber(ARGV[6]), ARGV[7])
return 0
`)

// KEYS: active, wait, lock
// ARGV: job id, token
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[3]) ~= ARGV[2] then
  return 0
end
redis.call("LREM", KEYS[1], -1, ARGV[1])
redis.call("DEL", KEYS[3])
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`)

// KEYS: active, wait, failed
// ARGV: key prefix, now ms, max stalled count, keep last failed, failed reason
// Returns {requeued ids, failed ids}.
var moveStalledScript = goredis.NewScript(trimFn + `
local requeued = {}
local failed = {}
local active = redis.call("LRANGE", KEYS[1], 0, -1)
for _, id in ipairs(active) do
  local jobKey = ARGV[1] .. id
  if redis.call("EXISTS", jobKey .. ":lock") == 0 then
    redis.call("LREM", KEYS[1], 1, id)
    if redis.call("EXISTS", jobKey) == 1 then
      local stalled = redis.call("HINCRBY", jobKey, "stalledCounter", 1)
      if stalled > tonumber(ARGV[3]) then
        redis.call("ZADD", KEYS[3], ARGV[2], id)
        redis.call("HSET", jobKey,
          "failedReason", ARGV[5],
          "finishedOn", ARGV[2])
        table.insert(failed, id)
      else
        redis.call("RPUSH", KEYS[2], id)
        table.insert(requeued, id)
      end
    end
  end
end
if #failed > 0 then
  trim(KEYS[3], tonumber(ARGV[4]), ARGV[1])
end
return {requeued, failed}
`)

// KEYS: finished set (completed or failed)
// ARGV: key prefix, max finishedOn ms, limit (0 = no limit)
var cleanScript = goredis.NewScript(`
local ids
if tonumber(ARGV[3]) > 0 then
  ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", "0", ARGV[3])
else
  ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
end
for _, id in ipairs(ids) do
  redis.call("DEL", ARGV[1] .. id, ARGV[1] .. id .. ":lock")
  redis.call("ZREM", KEYS[1], id)
end
return ids
`)

// KEYS: wait, delayed, completed, failed, job hash
// ARGV: job id
// Returns 0 not found, 1 removed, 2 flagged while active, 3 already finished.
var cancelScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[5]) == 0 then
  return 0
end
if redis.call("LREM", KEYS[1], 0, ARGV[1]) > 0 or redis.call("ZREM", KEYS[2], ARGV[1]) > 0 then
  redis.call("DEL", KEYS[5])
  return 1
end
if redis.call("ZSCORE", KEYS[3], ARGV[1]) or redis.call("ZSCORE", KEYS[4], ARGV[1]) then
  return 3
end
redis.call("HSET", KEYS[5], "cancelRequested", "1")
return 2
`)

// KEYS: failed, wait, job hash
// ARGV: job id
var retryScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 0 then
  return -1
end
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[3], "attemptsMade", "0", "stalledCounter", "0", "cancelRequested", "0", "progress", "0")
redis.call("HDEL", KEYS[3], "failedReason", "finishedOn", "processedOn", "returnvalue")
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// KEYS: completed, failed, delayed, active, job hash
// ARGV: job id
var getStateScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[5]) == 0 then
  return "unknown"
end
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return "completed"
end
if redis.call("ZSCORE", KEYS[2], ARGV[1]) then
  return "failed"
end
if redis.call("ZSCORE", KEYS[3], ARGV[1]) then
  return "delayed"
end
for _, id in ipairs(redis.call("LRANGE", KEYS[4], 0, -1)) do
  if id == ARGV[1] then
    return "active"
  end
end
return "waiting"
`)
