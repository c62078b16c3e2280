package config

const (
	// TopicArticle is the NSQ topic carrying article upserts and deletions
	// for the search mirror.
	TopicArticle = "kb.article"

	// TopicEmbed carries one chunk per message to the embedder.
	TopicEmbed = "kb.embed"

	ChannelMirror   = "mirror"
	ChannelEmbedder = "embedder"
)
