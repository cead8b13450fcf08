// Package keybot implements a Discord bot for sharing spare game keys
// between members of a community.
//
// Members contribute keys with /add (preferably in a DM with the bot),
// opt in to sharing them with a server with /share, and other members of
// that server can then /search, /browse and /claim them. Claimed keys are
// removed, and each member may only claim one key per configured wait
// time, unless the key they claim is one they contributed.
//
// Key components of the package include:
//
//   - KeyBot: The main struct, which wires the database, Discord session
//     and HTTP servers together.
//   - KeyParser: Classifies a submitted key into a platform, based on the
//     key's format.
//   - KeyStore: Adds, removes, searches and claims keys, with each
//     operation in a single database transaction.
//   - Discord: Handles the Discord session and slash command registration.
//   - DiscordWebhookServer: Receives interactions over HTTP, as an
//     alternative to the gateway.
//   - API: A read-only admin API for health checks and statistics.
//
// The bot supports these commands:
//
//   - /add: Adds a key or URL for a game.
//   - /remove: Removes one of your own keys, and sends it back to you.
//   - /search: Searches games with keys available in this server.
//   - /browse: Pages through games with keys available in this server.
//   - /share and /unshare: Toggle sharing your keys with this server.
//   - /claim: Claims a key for a game.
//   - /mykeys: Lists the keys you've contributed.
package keybot
