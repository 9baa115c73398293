package redis

// createActiveScript inserts a new active session iff no live session is in
// a blocking state. The pointer check, the insert, and the pointer update
// run as one atomic script so two racing starts cannot both succeed.
//
// KEYS[1] = active session pointer
// KEYS[2] = new session record key
// KEYS[3] = session id set
// ARGV[1] = new session id
// ARGV[2] = new session JSON
// ARGV[3] = session key prefix (to dereference the pointer)
//
// Returns 1 on success, 0 on conflict.
const createActiveScript = `
local ptr = redis.call('GET', KEYS[1])
if ptr then
    local data = redis.call('GET', ARGV[3] .. ptr)
    if data then
        local session = cjson.decode(data)
        if session.state == 'active' or session.state == 'goalReached' then
            return 0
        end
    end
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`
