// Package notify forwards run summaries and permanent task failures to an
// external chat. The Telegram sender doubles as the logx sink for warn+
// records.
package notify
