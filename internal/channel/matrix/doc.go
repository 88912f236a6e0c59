// Package matrix connects Matrix rooms to dispatcher sessions.
//
// Each allowed room maps to its own session, so conversations in different
// rooms never share agent context. Replies are rendered from Markdown to
// formatted Matrix HTML and chunked to stay under the homeserver's event
// size limits. While connected, the channel is also registered with the
// notifier and fans monitoring alerts into every allowed room.
package matrix
