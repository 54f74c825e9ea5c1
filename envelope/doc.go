/*
Package envelope encodes and decodes the messages exchanged by sessionbridge peers.

There are two families of envelopes.

Stream envelopes are used by terminal sessions. Each envelope is a single JSON document followed by a newline:

 1. The client opens the transport and sends a handshake object: {"version":2,"width":80,"height":24,"cmd":["/bin/bash"],"env":{...}}
 2. Input is sent as a frame triplet: [0,"i","ls\n"]
 3. The server answers with output frames: [0,"o","file.txt\r\n"]
 4. The client may announce new dimensions at any time: {"version":2,"width":100,"height":30}

A chunk that fails to decode is reported as a *DecodeError. Decode errors are never fatal: the caller logs and drops the chunk and keeps reading.

RPC envelopes are JSON objects tagged by a "type" field (bridge-command, bridge-response, bridge-subscribe, bridge-unsubscribe, bridge-update), preceded on a fresh transport by a {"cmd":"CONNECT"} handshake answered with CONNECT_SUCCESS or CONNECT_ERROR. They are decoded once into the closed Frame sum type.

Arguments and results of RPC envelopes are data only. Values holding functions, channels, unsafe pointers, complex numbers or reference cycles are rejected before they are encoded.
*/
package envelope
