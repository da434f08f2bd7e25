package contract

const (
	FirestoreUserCollection    = "users"
	FirestoreMessageCollection = "messages"
	FirestoreContentField      = "content"
)

type FirestoreMessage struct {
	Content string `firestore:"content"`
}
