package consts

// MailboxInbox is the only mailbox visible over POP3.
const MailboxInbox = "INBOX"
