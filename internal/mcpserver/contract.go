package mcpserver

// ConflictGuide explains to LLM consumers how pending conflicts are shown
// and settled.
const ConflictGuide = `# Laguz Conflict Guide

A conflict exists when a document changed both in the remote workspace and
in the local vault since the last sync. Under the ` + "`manual`" + ` policy the
engine writes nothing to either side and waits for a decision.

## Where conflicts live

Each pending conflict has a file under the vault's conflict directory
(` + "`_conflicts/`" + ` by default), named ` + "`<title>.<entity_id>.conflict.md`" + `.
Its header carries ` + "`entity_id`" + `, ` + "`detected_at`" + `, both fingerprints and a
` + "`resolution`" + ` field set to ` + "`pending`" + `. The body shows the local version,
the remote version and a line diff.

## Settling a conflict

Any one of these settles it:

1. Call the ` + "`resolve_conflict`" + ` tool with ` + "`side`" + ` set to ` + "`local`" + ` or ` + "`remote`" + `.
2. Set ` + "`resolution: local`" + ` or ` + "`resolution: remote`" + ` in the conflict file.
3. Delete the conflict file. The local version wins.
4. Change the document again on exactly one side. That side wins.

If both sides change again, the conflict file is rewritten with the new
versions and the conflict stays pending.

## Inspecting

- ` + "`sync_status`" + ` gives record counts per state and the active policy.
- ` + "`list_conflicts`" + ` lists pending conflicts, oldest first.
- ` + "`get_record`" + ` returns the stored sync record of one entity.
`
