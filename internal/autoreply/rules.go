package autoreply

// DefaultRules are the built-in canned replies, used when the config supplies
// none. Keywords cover both Chinese and English phrasings of the most common
// support questions.
func DefaultRules() []Rule {
	return []Rule{
		{
			Keywords: []string{"你好", "hello", "hi", "您好"},
			Reply:    "👋 您好！欢迎联系在线客服，请问有什么可以帮您？",
		},
		{
			Keywords: []string{"价格", "多少钱", "费用", "报价"},
			Reply:    "💰 关于价格问题，请告诉我您需要的具体服务，我会为您详细介绍。",
		},
		{
			Keywords: []string{"工作时间", "营业时间", "几点"},
			Reply:    "🕐 我们的工作时间是每天 9:00-21:00，如有紧急问题请留言，我们会尽快回复。",
		},
		{
			Keywords: []string{"联系", "电话", "微信"},
			Reply:    "📞 您可以通过此客服系统直接与我们沟通，我们会及时回复您的消息。",
		},
		{
			Keywords: []string{"再见", "拜拜", "bye"},
			Reply:    "👋 感谢您的咨询，如有任何问题欢迎随时联系我们！祝您生活愉快！",
		},
	}
}
