package redis

import goredis "github.com/redis/go-redis/v9"

// KEYS[1] is the running marker, KEYS[2] the waiting list. ARGV[1] is now and ARGV[2] the TTL,
// both in milliseconds. Records are JSON objects {id, queued_ms, started_ms, entry}.
const reconcileLua = `
local running_key = KEYS[1]
local waiting_key = KEYS[2]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local function reconcile()
	local items = redis.call('LRANGE', waiting_key, 0, -1)
	for _, raw in ipairs(items) do
		local record = cjson.decode(raw)
		if now - record.queued_ms >= ttl then
			redis.call('LREM', waiting_key, 1, raw)
		end
	end

	local current = redis.call('GET', running_key)
	if current then
		local record = cjson.decode(current)
		if now - record.started_ms >= ttl then
			redis.call('DEL', running_key)
			current = false
		end
	end

	if not current then
		local head = redis.call('LPOP', waiting_key)
		if head then
			local record = cjson.decode(head)
			record.started_ms = now
			local encoded = cjson.encode(record)
			redis.call('SET', running_key, encoded, 'PX', ttl)
			return encoded
		end
	end

	return false
end
`

var submitScript = goredis.NewScript(reconcileLua + `
reconcile()

local record = ARGV[3]
local wait_if_busy = ARGV[4]
local max_queue = tonumber(ARGV[5])

if redis.call('EXISTS', running_key) == 0 then
	local claimed = cjson.decode(record)
	claimed.started_ms = now
	local encoded = cjson.encode(claimed)
	redis.call('SET', running_key, encoded, 'PX', ttl)
	return {'running', 0, encoded}
end

local length = redis.call('LLEN', waiting_key) + 1
if length >= max_queue then
	return {'full', length, ''}
end

if wait_if_busy ~= '1' then
	return {'busy', length, ''}
end

local position = redis.call('RPUSH', waiting_key, record)
return {'queued', position, record}
`)

var entryScript = goredis.NewScript(reconcileLua + `
reconcile()

local id = ARGV[3]

local current = redis.call('GET', running_key)
if current and cjson.decode(current).id == id then
	return {'running', 0, current}
end

local items = redis.call('LRANGE', waiting_key, 0, -1)
for i, raw in ipairs(items) do
	if cjson.decode(raw).id == id then
		return {'queued', i, raw}
	end
end

return {'missing', 0, ''}
`)

var completeScript = goredis.NewScript(reconcileLua + `
reconcile()

local id = ARGV[3]

local current = redis.call('GET', running_key)
if current and cjson.decode(current).id == id then
	redis.call('DEL', running_key)
	local promoted = reconcile() or ''
	return {'released', current, promoted}
end

local items = redis.call('LRANGE', waiting_key, 0, -1)
for _, raw in ipairs(items) do
	if cjson.decode(raw).id == id then
		redis.call('LREM', waiting_key, 1, raw)
		return {'removed', raw, ''}
	end
end

return {'missing', '', ''}
`)

var statusScript = goredis.NewScript(reconcileLua + `
reconcile()

local result = {redis.call('GET', running_key) or ''}
local items = redis.call('LRANGE', waiting_key, 0, -1)
for _, raw in ipairs(items) do
	table.insert(result, raw)
end

return result
`)

var clearScript = goredis.NewScript(reconcileLua + `
reconcile()

local removed = redis.call('LLEN', waiting_key)
redis.call('DEL', waiting_key)

return removed
`)

var forceReleaseScript = goredis.NewScript(reconcileLua + `
reconcile()

local current = redis.call('GET', running_key) or ''
redis.call('DEL', running_key)
local promoted = reconcile() or ''

return {current, promoted}
`)
