/*
Package bridge binds one WebSocket connection to one session for the lifetime of the connection.

Messages are JSON objects keyed by "type". The schema is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection naming a session id (the agent serves this at /ws/:id).
2. If the session doesn't exist the server closes the connection with status 4404 and sends nothing else.
3. Otherwise the server sends {"type":"connected","sessionId":...}, then replays the session's buffered
output followed by live output as {"type":"output","data":...} messages, in the order the process wrote it.
4. The client sends {"type":"command","command":...} to write a line to the process, and
{"type":"resize","cols":...,"rows":...} to resize its terminal. Resizing a session without a terminal is ignored.
Anything else gets an {"type":"error","message":...} reply and the connection stays open.
Messages larger than ReadLimit (1 MiB) close the connection with status 1009, the session is unaffected.
5. When the process exits the server sends {"type":"exit","code":...} and closes the connection.

A client closing its connection only detaches it, the session keeps running and can be reattached by id.
*/
package bridge
