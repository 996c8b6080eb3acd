package impl

import (
	"fmt"
	"strings"

	"github.com/tomehub/tomehub/models"
)

// Prompt construction for the answer engine. Templates are Turkish; the
// grounding rule comes from the network status, the style from confidence.

func groundingRuleFor(networkStatus models.NetworkStatus) string {
	switch networkStatus {
	case models.NetworkInNetwork:
		return "KURAL: SADECE sana verilen 'BAĞLAM' içerisindeki bilgileri kullan. Kendi dış bilgini ASLA ekleme. Eğer bağlamda cevap yoksa 'Bilgi bulunamadı' de ve uydurma."
	case models.NetworkOutOfNetwork:
		return "UYARI: Kullanıcının notlarında bu konuda yeterli bilgi BULUNAMADI. Genel bilgini kullanarak cevaplayabilirsin ANCAK cevabın başında 'Notlarınızda bu konuda yeterli bilgi bulamadım, genel bilgilere dayanarak cevaplıyorum:' ibaresini MUTLAKA kullan."
	default:
		return "TALİMAT: Öncelikle verilen bağlamı temel al. Ancak bağlamdaki boşlukları doldurmak, terimleri açıklamak veya akıcılığı sağlamak için genel bilgini KISITLI olarak kullanabilirsin."
	}
}

func styleInstructionFor(confidenceScore float64) string {
	if confidenceScore >= 4.0 {
		return "STİL: ÇÖZÜMLEYİCİ ve AKICI (Narrative Mode). Konuyu derinlemesine anlat, bağlaçlar kullan."
	}
	return "STİL: ÖZETLEYİCİ ve TEMKİNLİ (Concise Mode). Veri az olduğu için kısa ve net yaz. Yorum katma."
}

// PromptForMode builds the mode-specific generation prompt.
func PromptForMode(answerMode models.AnswerMode, context, question string, confidenceScore float64, networkStatus models.NetworkStatus, quoteTargetCount int) string {
	intro := fmt.Sprintf(`Sen bir düşünce ortağısın (thought partner) ve kullanıcının kişisel notlarını analiz ediyorsun.

%s
%s`, groundingRuleFor(networkStatus), styleInstructionFor(confidenceScore))

	if quoteTargetCount <= 0 {
		quoteTargetCount = 3
	}

	switch answerMode {
	case models.AnswerModeQuote:
		return fmt.Sprintf(`%s

ÖNEMLİ: Bu soruda YÜKSEK GÜVENİLİRLİKLİ notlar bulundu.

İKİ AŞAMALI YANITLAMA SÜRECİ (+ İÇ KONTROL):

## AŞAMA 0: MİKRO İÇ KONTROL (Silent Self-Review)
Cevabı yazmadan önce zihninde şunları kontrol et:
1. Seçilen metinde OCR hatası (örn: "dagas1") var mı? Varsa düzelt.
2. Tam olarak %d adet tanım seçtin mi?
3. Kaynaklar doğru mu?

## AŞAMA 1: DOĞRUDAN ALINTI (Quote Section)
Quotability=HIGH veya Type=DEFINITION/THEORY olan notlardan KELİMESİ KELİMESİNE alıntı yap, ANCAK:

1. **OCR HATALARINI DÜZELT:** Metindeki bozuk karakterleri (örn: "dagas1" -> "doğası") düzgün Türkçe ile yaz.
2. **SADECE EN İYİ %d TANIMI SEÇ:** Listeyi uzatma. En alakalı ve net %d tanımı al.
3. Kaynak belirt: [Kaynak: Kitap Adı]

## AŞAMA 2: GENİŞ KAPSAMLI BAĞLAMSAL ANALİZ (Synthesis Section)
Quotability=MEDIUM/LOW olan notlardan sentez yap:
1. "Bağlamsal açıdan incelendiğinde..." diyerek başla.
2. Sadece notları özetleme; notlar arasındaki İLİŞKİLERİ, ZAMAN farklarını ve ORTAK TEMALARI analiz et.
3. Konuyu bireysel, toplumsal ve evrensel boyutlarıyla ele al.
4. Varsa notlardaki çelişkileri veya gelişim sürecini vurgula.

BAĞLAM (Metadata + Content):
%s

KULLANICI SORUSU:
%s

ZORUNLU ÇIKTI FORMATI (Bu başlıkları kullan):

## Doğrudan Tanımlar
[Buraya Quotability=HIGH notlardan verbatim alıntılar]

## Bağlamsal Analiz
[Buraya geniş kapsamlı ve çok boyutlu sentez]

## Sonuç
[Kısa özet]

CEVAP:`, intro, quoteTargetCount, quoteTargetCount, quoteTargetCount, context, question)

	case models.AnswerModeHybrid:
		return fmt.Sprintf(`%s

ÖNEMLİ: Bu KARMAŞIK bir felsefi soru. Hem teorik tanımlar hem de bağlamsal örnekler gerekli.

HİBRİT MOD - ÇİFT AŞAMALI ANALİZ:

## AŞAMA 1: KARŞIT GÖRÜŞLER (Quote Opposing Views)
Bu konuda farklı teorik yaklaşımlar var. Her birini AYRI AYRI belirt:
1. "İlk görüşe göre..." - Type=THEORY veya Type=DEFINITION notlardan alıntı
2. "İkinci görüşe göre..." - Karşıt tanım/teoriyi alıntıla

## AŞAMA 2: GENİŞ BAĞLAMSAL KANITLAR (Contextual Evidence)
Quotability=MEDIUM notlardan durumsal ve toplumsal örnekler sentezle:
1. "Kişisel ve toplumsal bağlamda..." diyerek analizi genişlet.
2. Kavramın farklı durumlarda nasıl değiştiğini veya korunduğunu irdele.
3. Sadece örnek verme; bu örneklerin arkasındaki BÜYÜK RESMİ anlat.

## AŞAMA 3: DENGELİ SONUÇ (Balanced Conclusion)
Her iki görüşü de dikkate alarak dengeli bir sonuç sun.

BAĞLAM (Metadata + Content):
%s

KULLANICI SORUSU:
%s

ZORUNLU ÇIKTI FORMATI:

## Karşıt Görüşler
**Birinci Görüş:** "[AYNEN ALINTI]" [Kaynak: X]
**İkinci Görüş:** "[AYNEN ALINTI]" [Kaynak: Y]

## Bağlamsal Kanıtlar
[Durumsal, toplumsal ve geniş perspektifli sentez]

## Sonuç
[Dengeli, her iki görüşü kapsayan yorum]

CEVAP:`, intro, context, question)

	default: // SYNTHESIS
		return fmt.Sprintf(`%s

DURUM: Sentez ve yorumlama modu aktif.
(Doğrudan tanım bulunamamış olabilir ancak bağlamsal kanıtlar mevcut.)

TALİMATLAR:
1. Mevcut notları birleştirerek çıkarım yap
2. "Notlarından çıkarıma göre..." ile başla
3. Kesin hüküm verme, belirsizliği ifade et
4. Kaynak göster ama doğrudan alıntı yapma
5. TÜRKÇE cevap ver

BAĞLAM (Metadata + Content):
%s

KULLANICI SORUSU:
%s

CEVAP (Sentez ve çıkarım):`, intro, context, question)
	}
}

// BuildMemoryAugmentedContext concatenates the labelled memory zones:
// long-term summary, short-term turns, found evidence.
func BuildMemoryAugmentedContext(sessionSummary string, history []models.ChatTurn, maxTurns int, evidenceContext string) string {
	var zones []string

	if sessionSummary != "" {
		zones = append(zones, "### KONUŞMA ÖZETİ (LONG-TERM MEMORY)\n"+sessionSummary)
	}

	if len(history) > 0 {
		if maxTurns <= 0 {
			maxTurns = 6
		}
		start := len(history) - maxTurns
		if start < 0 {
			start = 0
		}
		var sb strings.Builder
		for _, msg := range history[start:] {
			role := "Asistan"
			if msg.Role == "user" {
				role = "Kullanıcı"
			}
			sb.WriteString(role + ": " + msg.Content + "\n")
		}
		zones = append(zones, "### SON YAZIŞMALAR (SHORT-TERM MEMORY)\n"+sb.String())
	}

	zones = append(zones, "### KAYNAK DOKÜMANLAR (FOUND EVIDENCE)\n"+evidenceContext)

	return strings.Join(zones, "\n\n---\n\n")
}

// RewritePrompt is the LLM-lite prompt for contextual query rewriting.
func RewritePrompt(historyStr, question string) string {
	return fmt.Sprintf(`Aşağıdaki konuşma geçmişine dayanarak, kullanıcının son sorusunu bağlamı içerecek şekilde (tek başına anlamlı) yeniden yaz.
Eğer soru zaten tam ve anlaşılırsa, olduğu gibi bırak.
Sadece yeniden yazılmış soruyu döndür. Dil: Türkçe.

GEÇMİŞ:
%s

SON SORU: %s

YENİDEN YAZILMIŞ SORU:
`, historyStr, question)
}
